package id

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestTypedIDs(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"worker", func() string { return NewWorkerID().String() }, WorkerPrefix},
		{"session", func() string { return NewSessionID().String() }, SessionPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().Add(-time.Second)
			id := tt.gen()

			raw, ok := strings.CutPrefix(id, tt.prefix+"_")
			if !ok {
				t.Fatalf("ID should start with '%s_', got: %s", tt.prefix, id)
			}
			parsed, err := ulid.Parse(raw)
			if err != nil {
				t.Fatalf("ID should carry a ULID: %s: %v", id, err)
			}
			if ulid.Time(parsed.Time()).Before(before) {
				t.Errorf("timestamp of %s predates generation", id)
			}
		})
	}
}

func TestMonotonicOrdering(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = NewSessionID().String()
	}

	if !sort.StringsAreSorted(ids) {
		t.Error("IDs should sort in creation order")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[WorkerID]bool)
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := NewWorkerID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate ID: %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
