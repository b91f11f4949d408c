package ids

import (
	"sort"
	"sync"
	"testing"
)

func TestNewIsUnique(t *testing.T) {
	const n = 1000
	seen := make(map[string]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/8; j++ {
				id := New()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestNewIsSortable(t *testing.T) {
	var got []string
	for i := 0; i < 100; i++ {
		got = append(got, New())
	}
	if !sort.StringsAreSorted(got) {
		t.Error("sequential ids are not lexicographically ordered")
	}
	if len(got[0]) != 26 {
		t.Errorf("id length = %d, want 26", len(got[0]))
	}
}
