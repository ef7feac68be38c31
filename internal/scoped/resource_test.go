package scoped

import "testing"

func TestCloseRunsReleaseExactlyOnce(t *testing.T) {
	calls := 0
	r := New(42, func(v int) {
		calls++
		if v != 42 {
			t.Errorf("release saw %d, want 42", v)
		}
	})
	r.Close()
	r.Close()
	r.Close()
	if calls != 1 {
		t.Errorf("release ran %d times, want exactly 1", calls)
	}
}

func TestReleaseObservesFinalValue(t *testing.T) {
	var got int
	r := New(1, func(v int) { got = v })
	r.Set(2)
	r.Set(3)
	r.Close()
	if got != 3 {
		t.Errorf("release saw %d, want the final value 3", got)
	}
}

func TestReleaseRunsDuringPanicUnwind(t *testing.T) {
	released := false
	func() {
		defer func() { _ = recover() }()
		r := New(0, func(int) { released = true })
		defer r.Close()
		panic("user code panicked mid-scope")
	}()
	if !released {
		t.Error("release did not run while unwinding a panic")
	}
}

func TestSetAfterClosePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for Set after Close")
		}
	}()
	r := New(0, func(int) {})
	r.Close()
	r.Set(1)
}
