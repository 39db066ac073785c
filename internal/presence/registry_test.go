package presence

import "testing"

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("u1")

	if prev := r.Register("u1", a); prev != nil {
		t.Fatalf("expected no previous handle, got %v", prev)
	}
	got, ok := r.Lookup("u1")
	if !ok || got != a {
		t.Fatalf("expected lookup to return registered handle, got %v ok=%v", got, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("expected lookup of unknown user to fail")
	}
}

func TestRegistry_LastRegisterWins(t *testing.T) {
	r := NewRegistry()
	first := newFakeConn("u1")
	second := newFakeConn("u1")

	r.Register("u1", first)
	if prev := r.Register("u1", second); prev != first {
		t.Fatalf("expected first handle to be returned as replaced, got %v", prev)
	}

	got, _ := r.Lookup("u1")
	if got != second {
		t.Error("expected newest handle to own the entry")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestRegistry_OrderIsInsertionOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newFakeConn("u1"))
	r.Register("u2", newFakeConn("u2"))
	r.Register("u3", newFakeConn("u3"))
	r.Register("u1", newFakeConn("u1")) // re-register keeps position

	want := []string{"u1", "u2", "u3"}
	if got := r.ListOnline(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	r.Deregister("u2")
	want = []string{"u1", "u3"}
	if got := r.ListOnline(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRegistry_DeregisterMissingIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newFakeConn("u1"))
	r.Deregister("nobody")

	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestRegistry_DeregisterConnOnlyForOwner(t *testing.T) {
	r := NewRegistry()
	old := newFakeConn("u1")
	cur := newFakeConn("u1")
	r.Register("u1", old)
	r.Register("u1", cur)

	if r.DeregisterConn("u1", old) {
		t.Fatal("expected superseded handle not to remove the entry")
	}
	if _, ok := r.Lookup("u1"); !ok {
		t.Fatal("expected entry to survive")
	}
	if !r.DeregisterConn("u1", cur) {
		t.Fatal("expected owner handle to remove the entry")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistry_ListOnlineIsSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newFakeConn("u1"))

	snap := r.ListOnline()
	snap[0] = "mutated"

	if got := r.ListOnline(); got[0] != "u1" {
		t.Errorf("expected registry to be unaffected by snapshot mutation, got %v", got)
	}
}
