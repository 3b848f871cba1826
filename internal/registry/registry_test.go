package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/task"
)

type stubInvoker struct{ tag string }

func (s *stubInvoker) Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) task.Outcome {
	return task.Success(json.RawMessage(fmt.Sprintf("%q", s.tag)))
}

func desc(name string) Descriptor {
	return Descriptor{
		Name:    name,
		Backend: BackendNative,
		Source:  "builtin",
		Invoker: &stubInvoker{tag: name},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(desc("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	d, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Name != "echo" || d.Backend != BackendNative {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	if err := r.Register(desc("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(desc("echo")); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expected ErrDuplicateHandler, got %v", err)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New()
	if err := r.Register(Descriptor{Invoker: &stubInvoker{}}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := r.Register(Descriptor{Name: "x"}); err == nil {
		t.Fatal("expected error for nil invoker")
	}
}

func TestReplaceOverwrites(t *testing.T) {
	r := New()
	if err := r.Register(desc("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	updated := desc("echo")
	updated.Hash = "deadbeef"
	if err := r.Replace(updated); err != nil {
		t.Fatalf("replace: %v", err)
	}

	d, err := r.Resolve("echo")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Hash != "deadbeef" {
		t.Fatalf("replace did not take effect: %+v", d)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 handler, got %d", r.Len())
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	if _, err := r.Resolve("ghost"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	if err := r.Register(desc("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Deregister("echo"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := r.Resolve("echo"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatal("handler still resolvable after deregister")
	}
	if err := r.Deregister("echo"); !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("expected ErrHandlerNotFound, got %v", err)
	}
}

func TestListIsSortedSnapshot(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(desc(name)); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	var names []string
	for d := range r.List() {
		// Mutation during iteration must not affect the snapshot.
		_ = r.Deregister("alpha")
		names = append(names, d.Name)
	}

	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			name := fmt.Sprintf("h-%d", n)
			if err := r.Register(desc(name)); err != nil {
				t.Errorf("register %s: %v", name, err)
			}
			if _, err := r.Resolve(name); err != nil {
				t.Errorf("resolve %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Fatalf("expected 50 handlers, got %d", r.Len())
	}
}
