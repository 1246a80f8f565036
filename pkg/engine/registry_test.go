package engine

import (
	"sync"
	"testing"
)

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(newFake("/tmp/a", nil)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := reg.Register(newFake("/tmp/a", nil))
	if err == nil {
		t.Fatal("expected duplicate identity error")
	}
	if !IsConfigurationError(err) || !HasCode(err, ErrCodeDuplicateIdentity) {
		t.Errorf("unexpected error: %v", err)
	}

	other := newFake("/tmp/a", nil)
	other.typ = "service"
	if err := reg.Register(other); err != nil {
		t.Errorf("same name with another type should register, got %v", err)
	}
}

func TestRegistry_ClearAllowsReuse(t *testing.T) {
	reg := NewRegistry()
	first := newFake("/tmp/a", nil)
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}

	reg.Clear()
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", reg.Len())
	}

	second := newFake("/tmp/a", nil)
	if err := reg.Register(second); err != nil {
		t.Fatalf("Register() after Clear error = %v", err)
	}
	got, ok := reg.Lookup("fake", "/tmp/a")
	if !ok || got != second {
		t.Error("Lookup should return the new instance")
	}
}

func TestRegistry_ClearTypeAndRemove(t *testing.T) {
	reg := NewRegistry()
	svc := newFake("ntp", nil)
	svc.typ = "service"
	for _, r := range []Resource{newFake("/a", nil), newFake("/b", nil), svc} {
		if err := reg.Register(r); err != nil {
			t.Fatal(err)
		}
	}

	reg.Remove("fake", "/a")
	if _, ok := reg.Lookup("fake", "/a"); ok {
		t.Error("/a should be removed")
	}

	reg.ClearType("fake")
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
	list := reg.List()
	if len(list) != 1 || list[0].Name() != "ntp" {
		t.Errorf("List() = %v", list)
	}
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	errs := make(chan error, 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.Register(newFake("/same", nil))
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("%d registrations succeeded, want exactly 1", ok)
	}
}
