package notify

import "sync"

// Badge 是进程内的未读计数，变化时回调 onChange。
type Badge struct {
	mu       sync.Mutex
	count    int
	onChange func(count int)
}

// NewBadge 创建计数器，onChange 可为空。
func NewBadge(onChange func(count int)) *Badge {
	return &Badge{onChange: onChange}
}

// Increment 计数加一并返回新值。
func (b *Badge) Increment() int {
	b.mu.Lock()
	b.count++
	count := b.count
	b.mu.Unlock()
	b.notify(count)
	return count
}

// Clear 清零。
func (b *Badge) Clear() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
	b.notify(0)
}

// Count 返回当前值。
func (b *Badge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Badge) notify(count int) {
	if b.onChange != nil {
		b.onChange(count)
	}
}
