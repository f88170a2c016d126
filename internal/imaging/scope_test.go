package imaging

import (
	"errors"
	"testing"
)

type fakeResource struct {
	closes int
}

func (f *fakeResource) Close() error {
	f.closes++
	return nil
}

func TestScopeReleasesInReverseOrder(t *testing.T) {
	base := LiveObjects()

	sc := NewScope()
	a := &fakeResource{}
	b := &fakeResource{}
	sc.Track(a)
	sc.Track(b)

	if got := LiveObjects() - base; got != 2 {
		t.Fatalf("expected 2 live objects, got %d", got)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.closes != 1 || b.closes != 1 {
		t.Fatalf("expected single close each, got a=%d b=%d", a.closes, b.closes)
	}
	if got := LiveObjects() - base; got != 0 {
		t.Fatalf("expected 0 outstanding objects, got %d", got)
	}
}

func TestScopeCloseIsIdempotent(t *testing.T) {
	sc := NewScope()
	r := &fakeResource{}
	sc.Track(r)
	sc.Close()
	sc.Close()
	if r.closes != 1 {
		t.Fatalf("expected 1 close, got %d", r.closes)
	}
}

func TestScopeReleasesOnPanicPath(t *testing.T) {
	base := LiveObjects()
	r := &fakeResource{}

	func() {
		defer func() { recover() }()
		sc := NewScope()
		defer sc.Close()
		sc.Track(r)
		panic("induced failure")
	}()

	if r.closes != 1 {
		t.Fatalf("resource leaked across panic, closes=%d", r.closes)
	}
	if got := LiveObjects() - base; got != 0 {
		t.Fatalf("expected 0 outstanding objects after panic, got %d", got)
	}
}

func TestScopeDetachTransfersOwnership(t *testing.T) {
	base := LiveObjects()
	sc := NewScope()
	kept := &fakeResource{}
	dropped := &fakeResource{}
	sc.Track(kept)
	sc.Track(dropped)
	sc.Detach(kept)
	sc.Close()

	if kept.closes != 0 {
		t.Fatal("detached resource must not be closed by the scope")
	}
	if dropped.closes != 1 {
		t.Fatal("tracked resource must be closed")
	}
	if got := LiveObjects() - base; got != 0 {
		t.Fatalf("expected counter back at zero, got %+d", got)
	}
}

type failingResource struct{}

func (failingResource) Close() error { return errors.New("native free failed") }

func TestScopeReportsFirstCloseError(t *testing.T) {
	sc := NewScope()
	sc.Track(failingResource{})
	sc.Track(&fakeResource{})
	if err := sc.Close(); err == nil {
		t.Fatal("expected close error to propagate")
	}
}

// Mixed success/failure alignment-shaped workload: every tracked object
// must be released regardless of exit path.
func TestScopeLeakCheckAcrossMixedOutcomes(t *testing.T) {
	base := LiveObjects()

	run := func(fail bool) error {
		sc := NewScope()
		defer sc.Close()
		for i := 0; i < 7; i++ {
			sc.Track(&fakeResource{})
		}
		if fail {
			return errors.New("insufficient matches")
		}
		sc.Track(&fakeResource{})
		return nil
	}

	for i := 0; i < 50; i++ {
		run(i%3 == 0)
	}
	if got := LiveObjects() - base; got != 0 {
		t.Fatalf("expected 0 outstanding native objects, got %d", got)
	}
}
