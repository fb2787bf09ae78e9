package registry

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAddAndPoll(t *testing.T) {
	r := New(10, 5*time.Minute, time.Minute, nil)
	gen, err := r.Add("req-1", 0, "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	e, err := r.Poll("req-1", gen)
	if err != nil {
		t.Fatalf("expected entry to be present, got %v", err)
	}
	if e.Completed {
		t.Fatal("freshly added entry should not be completed")
	}
}

func TestAddRejectsWhenFull(t *testing.T) {
	r := New(1, 5*time.Minute, time.Minute, nil)
	if _, err := r.Add("req-1", 0, "conn-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("req-2", 0, "conn-b"); err != ErrRegistryFull {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
}

func TestDuplicateAddOverwrites(t *testing.T) {
	r := New(10, 5*time.Minute, time.Minute, nil)
	firstGen, err := r.Add("req-1", 0, "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	r.Complete("req-1", json.RawMessage(`"first"`), false)

	secondGen, err := r.Add("req-1", 1, "conn-b")
	if err != nil {
		t.Fatal(err)
	}
	if secondGen != firstGen+1 {
		t.Fatalf("generation = %d, want %d", secondGen, firstGen+1)
	}

	e, err := r.Poll("req-1", secondGen)
	if err != nil {
		t.Fatalf("expected entry after overwrite, got %v", err)
	}
	if e.Completed {
		t.Fatal("overwritten entry should reset Completed")
	}
}

func TestPollAgainstStaleGenerationIsRejected(t *testing.T) {
	r := New(10, 5*time.Minute, time.Minute, nil)
	firstGen, err := r.Add("req-1", 0, "conn-a")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Add("req-1", 1, "conn-b"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Poll("req-1", firstGen); err != ErrStaleEntry {
		t.Fatalf("err = %v, want ErrStaleEntry", err)
	}
}

func TestCompleteUnknownRequestIsNoop(t *testing.T) {
	r := New(10, 5*time.Minute, time.Minute, nil)
	r.Complete("ghost", json.RawMessage(`null`), false)
	if _, err := r.Poll("ghost", 0); err != ErrEntryNotFound {
		t.Fatalf("err = %v, want ErrEntryNotFound", err)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	r := New(10, time.Millisecond, time.Nanosecond, nil)
	gen, err := r.Add("req-1", 0, "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := r.Poll("req-1", gen); err != ErrEntryNotFound {
		t.Fatalf("err = %v, want ErrEntryNotFound after expiry", err)
	}
}

func TestStatsBreakdown(t *testing.T) {
	r := New(10, 5*time.Minute, time.Minute, nil)
	_, _ = r.Add("pending", 0, "a")
	_, _ = r.Add("ok", 0, "b")
	_, _ = r.Add("failed", 0, "c")
	r.Complete("ok", json.RawMessage(`"x"`), false)
	r.Complete("failed", json.RawMessage(`"x"`), true)

	st := r.Stats()
	if st.Pending != 1 || st.Completed != 1 || st.Errors != 1 {
		t.Fatalf("stats = %+v, want 1/1/1", st)
	}
}
