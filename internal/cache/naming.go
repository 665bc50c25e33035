package cache

import "strings"

// GenerationSet 将驻留代际划分为目标代际（latest）与其余过期代际。
type GenerationSet struct {
	Latest   string
	Outdated []string
}

// HasLatest 表示目标代际是否驻留在磁盘上。
func (s GenerationSet) HasLatest() bool {
	return s.Latest != ""
}

// Classify 以名称完全相等识别目标代际，其余名称一律视为过期，保持输入顺序。
func Classify(names []string, target string) GenerationSet {
	set := GenerationSet{}
	for _, name := range names {
		if name == target && set.Latest == "" {
			set.Latest = name
			continue
		}
		set.Outdated = append(set.Outdated, name)
	}
	return set
}

// ShellKey 返回第一个指向壳文档（/index.html）的请求，没有时返回 nil。
func ShellKey(keys []*Request) *Request {
	for _, key := range keys {
		if strings.Contains(key.URL, "/index.html") {
			return key
		}
	}
	return nil
}

// KeySet 将请求列表转为 URL 集合，便于做差集。
func KeySet(keys []*Request) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key.URL] = struct{}{}
	}
	return set
}
