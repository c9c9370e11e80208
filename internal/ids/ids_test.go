package ids_test

import (
	"strings"
	"sync"
	"testing"

	"flotilla/internal/ids"
)

func TestSourceFormats(t *testing.T) {
	src := ids.NewSource()

	if got := src.Task(); got != "task.000000" {
		t.Fatalf("first task id = %q, want task.000000", got)
	}
	if got := src.Task(); got != "task.000001" {
		t.Fatalf("second task id = %q, want task.000001", got)
	}
	if got := src.Stage(); got != "stage.0000" {
		t.Fatalf("first stage id = %q, want stage.0000", got)
	}
	if got := src.Pipeline(); got != "pipe.0000" {
		t.Fatalf("first pipeline id = %q, want pipe.0000", got)
	}
	if !strings.HasPrefix(src.Session(), "run.") {
		t.Fatalf("session %q missing run. prefix", src.Session())
	}
}

func TestSourceSessionsDistinct(t *testing.T) {
	if ids.NewSource().Session() == ids.NewSource().Session() {
		t.Fatal("two sources produced the same session id")
	}
}

func TestSourceConcurrentUnique(t *testing.T) {
	src := ids.NewSource()

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, src.Task())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique ids, got %d", workers*perWorker, len(seen))
	}
}
