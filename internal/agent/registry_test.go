package agent

import (
	"context"
	"testing"
)

type stubAgent struct{ result string }

func (s *stubAgent) Invoke(context.Context, Invocation) (any, error) {
	return s.result, nil
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nope"); err != ErrUnknownAgent {
		t.Fatalf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("worker", &stubAgent{result: "first"})
	r.Register("worker", &stubAgent{result: "second"})

	inv, err := r.Resolve("worker")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := inv.Invoke(context.Background(), Invocation{})
	if got != "second" {
		t.Fatalf("resolved result = %v, want the replacing registration", got)
	}
}

func TestRegistryDeregisterComparesInstance(t *testing.T) {
	r := NewRegistry()
	old := &stubAgent{result: "old"}
	r.Register("worker", old)
	takeover := &stubAgent{result: "new"}
	r.Register("worker", takeover)

	// A stale disconnect callback for the first connection must not remove
	// the replacement.
	r.Deregister("worker", old)
	if _, err := r.Resolve("worker"); err != nil {
		t.Fatalf("takeover removed by stale deregister: %v", err)
	}

	r.Deregister("worker", takeover)
	if _, err := r.Resolve("worker"); err != ErrUnknownAgent {
		t.Fatalf("err = %v, want ErrUnknownAgent after matching deregister", err)
	}
}

func TestRegistryIgnoresEmptyRegistrations(t *testing.T) {
	r := NewRegistry()
	r.Register("zeta", &stubAgent{})
	r.Register("alpha", &stubAgent{})
	r.Register("", &stubAgent{})
	r.Register("mid", nil)

	names := r.Names()
	want := []string{"alpha", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}
