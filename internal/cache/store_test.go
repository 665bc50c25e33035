package cache

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestGenerationPutAndMatch(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	req := MustRequest("https://app.example.com/app.js")
	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/javascript"}},
		Body:   []byte("console.log(1)"),
	}
	if err := gen.Put(context.Background(), req, resp); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := gen.Match(context.Background(), req, MatchOptions{})
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "console.log(1)" {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("content-type mismatch: %s", got.Header.Get("Content-Type"))
	}
	if got.Status != http.StatusOK {
		t.Fatalf("status mismatch: %d", got.Status)
	}
}

func TestGenerationMatchMissing(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	_, err := gen.Match(context.Background(), MustRequest("https://app.example.com/missing"), MatchOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerationMatchIgnoreSearch(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")
	putBody(t, gen, "https://app.example.com/data.json?v=1", "v1")

	query := MustRequest("https://app.example.com/data.json?v=2")
	if _, err := gen.Match(context.Background(), query, MatchOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected exact match to miss, got %v", err)
	}
	got, err := gen.Match(context.Background(), query, MatchOptions{IgnoreSearch: true})
	if err != nil {
		t.Fatalf("ignoreSearch match error: %v", err)
	}
	if string(got.Body) != "v1" {
		t.Fatalf("unexpected body %s", string(got.Body))
	}
}

func TestGenerationMatchHonoursVary(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	req, _ := NewRequest(http.MethodGet, "https://app.example.com/page", http.Header{"Accept-Language": []string{"en"}})
	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Vary": []string{"Accept-Language"}},
		Body:   []byte("hello"),
	}
	if err := gen.Put(context.Background(), req, resp); err != nil {
		t.Fatalf("put error: %v", err)
	}

	other, _ := NewRequest(http.MethodGet, "https://app.example.com/page", http.Header{"Accept-Language": []string{"fr"}})
	if _, err := gen.Match(context.Background(), other, MatchOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected vary mismatch, got %v", err)
	}
	if _, err := gen.Match(context.Background(), other, MatchOptions{IgnoreVary: true}); err != nil {
		t.Fatalf("ignoreVary match error: %v", err)
	}
	if _, err := gen.Match(context.Background(), req, MatchOptions{}); err != nil {
		t.Fatalf("same vary value should match: %v", err)
	}
}

func TestGenerationMatchIgnoresTransportVary(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	resp := &Response{
		Status: http.StatusOK,
		Header: http.Header{"Vary": []string{"Accept-Encoding, Accept-Language"}},
		Body:   []byte("shell"),
	}
	stored, _ := NewRequest(http.MethodGet, "https://app.example.com/index.html", http.Header{"Accept-Language": []string{"en"}})
	if err := gen.Put(context.Background(), stored, resp); err != nil {
		t.Fatalf("put error: %v", err)
	}

	browser, _ := NewRequest(http.MethodGet, "https://app.example.com/index.html", http.Header{
		"Accept-Encoding": []string{"gzip, deflate, br"},
		"Accept-Language": []string{"en"},
		"Connection":      []string{"keep-alive"},
	})
	if _, err := gen.Match(context.Background(), browser, MatchOptions{}); err != nil {
		t.Fatalf("accept-encoding should not split entries: %v", err)
	}
	browser.Header.Set("Accept-Language", "fr")
	if _, err := gen.Match(context.Background(), browser, MatchOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other vary fields still apply, got %v", err)
	}
}

func TestGenerationMatchMethod(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")
	putBody(t, gen, "https://app.example.com/form", "form")

	post, _ := NewRequest(http.MethodPost, "https://app.example.com/form", nil)
	if _, err := gen.Match(context.Background(), post, MatchOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("POST should not match without IgnoreMethod, got %v", err)
	}
	if _, err := gen.Match(context.Background(), post, MatchOptions{IgnoreMethod: true}); err != nil {
		t.Fatalf("IgnoreMethod match error: %v", err)
	}
	head, _ := NewRequest(http.MethodHead, "https://app.example.com/form", nil)
	if _, err := gen.Match(context.Background(), head, MatchOptions{}); err != nil {
		t.Fatalf("HEAD should match GET entry: %v", err)
	}
}

func TestGenerationPutRejectsNonGet(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	post, _ := NewRequest(http.MethodPost, "https://app.example.com/form", nil)
	err := gen.Put(context.Background(), post, &Response{Status: http.StatusOK})
	if !errors.Is(err, ErrMethodNotAllowed) {
		t.Fatalf("expected ErrMethodNotAllowed, got %v", err)
	}
}

func TestGenerationKeysPreserveInsertionOrder(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")

	putBody(t, gen, "https://app.example.com/c", "c")
	putBody(t, gen, "https://app.example.com/a", "a")
	putBody(t, gen, "https://app.example.com/b", "b")
	// 替换已有条目会移动到末尾
	putBody(t, gen, "https://app.example.com/c", "c2")

	keys, err := gen.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	want := []string{
		"https://app.example.com/a",
		"https://app.example.com/b",
		"https://app.example.com/c",
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i, key := range keys {
		if key.URL != want[i] {
			t.Fatalf("key %d mismatch: want %s got %s", i, want[i], key.URL)
		}
	}
}

func TestGenerationDeleteEntry(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")
	req := putBody(t, gen, "https://app.example.com/remove", "data")

	removed, err := gen.Delete(context.Background(), req)
	if err != nil || !removed {
		t.Fatalf("delete error: removed=%v err=%v", removed, err)
	}
	if _, err := gen.Match(context.Background(), req, MatchOptions{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	removed, err = gen.Delete(context.Background(), req)
	if err != nil || removed {
		t.Fatalf("second delete should report false: removed=%v err=%v", removed, err)
	}
}

func TestGenerationFragmentIgnored(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")
	putBody(t, gen, "https://app.example.com/doc#section", "doc")

	if _, err := gen.Match(context.Background(), MustRequest("https://app.example.com/doc"), MatchOptions{}); err != nil {
		t.Fatalf("fragment should be stripped: %v", err)
	}
}

func TestStoreNamesInCreationOrder(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"pwa-cache-3", "pwa-cache-1", "pwa-cache-2"} {
		openGeneration(t, store, name)
	}

	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	want := []string{"pwa-cache-3", "pwa-cache-1", "pwa-cache-2"}
	if len(names) != len(want) {
		t.Fatalf("unexpected names %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names order mismatch: %v", names)
		}
	}
}

func TestStoreDeleteGeneration(t *testing.T) {
	store := newTestStore(t)
	openGeneration(t, store, "pwa-cache-1")

	removed, err := store.Delete(context.Background(), "pwa-cache-1")
	if err != nil || !removed {
		t.Fatalf("delete error: removed=%v err=%v", removed, err)
	}
	exists, err := store.Has(context.Background(), "pwa-cache-1")
	if err != nil || exists {
		t.Fatalf("generation should be gone: exists=%v err=%v", exists, err)
	}
	removed, err = store.Delete(context.Background(), "pwa-cache-1")
	if err != nil || removed {
		t.Fatalf("deleting missing generation should report false: removed=%v err=%v", removed, err)
	}
}

func TestStoreLookupDoesNotCreate(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Lookup(context.Background(), "pwa-cache-9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	exists, err := store.Has(context.Background(), "pwa-cache-9")
	if err != nil || exists {
		t.Fatalf("lookup must not create generation: exists=%v err=%v", exists, err)
	}

	putBody(t, openGeneration(t, store, "pwa-cache-1"), "https://app.example.com/app.js", "app")
	gen, err := store.Lookup(context.Background(), "pwa-cache-1")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if _, err := gen.Match(context.Background(), MustRequest("https://app.example.com/app.js"), MatchOptions{}); err != nil {
		t.Fatalf("match through lookup: %v", err)
	}
}

func TestGenerationPutAfterDeleteFails(t *testing.T) {
	store := newTestStore(t)
	gen := openGeneration(t, store, "pwa-cache-1")
	if _, err := store.Delete(context.Background(), "pwa-cache-1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}

	err := gen.Put(context.Background(), MustRequest("https://app.example.com/late.js"), &Response{Status: http.StatusOK})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	names, _ := store.Names(context.Background())
	if len(names) != 0 {
		t.Fatalf("deleted generation reappeared: %v", names)
	}
}

func TestStoreMatchDoesNotResurrectDeletedGeneration(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := newTestStore(t)
		putBody(t, openGeneration(t, store, "pwa-cache-1"), "https://app.example.com/app.js", "old")
		putBody(t, openGeneration(t, store, "pwa-cache-2"), "https://app.example.com/app.js", "new")

		stop := make(chan struct{})
		errs := make(chan error, 4)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_, err := store.Match(context.Background(), MustRequest("https://app.example.com/missing.js"), MatchOptions{IgnoreSearch: true})
					if err != nil && !errors.Is(err, ErrNotFound) {
						errs <- err
						return
					}
				}
			}()
		}

		if _, err := store.Delete(context.Background(), "pwa-cache-1"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		close(stop)
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent match error: %v", err)
		}

		names, err := store.Names(context.Background())
		if err != nil {
			t.Fatalf("names error: %v", err)
		}
		if len(names) != 1 || names[0] != "pwa-cache-2" {
			t.Fatalf("iteration %d: deleted generation reappeared, names=%v", i, names)
		}
	}
}

func TestStoreMatchAcrossGenerations(t *testing.T) {
	store := newTestStore(t)
	old := openGeneration(t, store, "pwa-cache-1")
	next := openGeneration(t, store, "pwa-cache-2")
	putBody(t, old, "https://app.example.com/shared", "old")
	putBody(t, next, "https://app.example.com/shared", "new")
	putBody(t, next, "https://app.example.com/only-new", "only")

	got, err := store.Match(context.Background(), MustRequest("https://app.example.com/shared"), MatchOptions{})
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "old" {
		t.Fatalf("expected earliest generation to win, got %s", string(got.Body))
	}
	if _, err := store.Match(context.Background(), MustRequest("https://app.example.com/only-new"), MatchOptions{}); err != nil {
		t.Fatalf("expected fallthrough to second generation: %v", err)
	}
}

func TestStoreRejectsInvalidName(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "../escape", ".hidden", "a/b"} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestStoreIgnoresStrayDirectories(t *testing.T) {
	store := newTestStore(t)
	openGeneration(t, store, "pwa-cache-1")

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if err := os.MkdirAll(filepath.Join(fs.root, "no-marker"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	names, err := store.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 1 || names[0] != "pwa-cache-1" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestStoreReopenKeepsEntries(t *testing.T) {
	dir := t.TempDir()
	first, err := NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	putBody(t, openGeneration(t, first, "pwa-cache-1"), "https://app.example.com/persist", "kept")

	second, err := NewStore(dir)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	got, err := second.Match(context.Background(), MustRequest("https://app.example.com/persist"), MatchOptions{})
	if err != nil {
		t.Fatalf("match after reopen error: %v", err)
	}
	if string(got.Body) != "kept" {
		t.Fatalf("unexpected body %s", string(got.Body))
	}
}

// newTestStore returns a Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func openGeneration(t *testing.T, store Storage, name string) Generation {
	t.Helper()
	gen, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open generation %s: %v", name, err)
	}
	return gen
}

func putBody(t *testing.T, gen Generation, rawURL, body string) *Request {
	t.Helper()
	req := MustRequest(rawURL)
	if err := gen.Put(context.Background(), req, &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}); err != nil {
		t.Fatalf("put %s: %v", rawURL, err)
	}
	return req
}
