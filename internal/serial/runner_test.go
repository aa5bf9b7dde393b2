package serial

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPostOrdering(t *testing.T) {
	r := NewRunner(testLogger())
	defer r.Stop()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	wg.Add(3)
	for i := 1; i <= 3; i++ {
		i := i
		r.Post("test", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range got {
		if v != i+1 {
			t.Fatalf("messages processed out of order: %v", got)
		}
	}
}

func TestPostFrontPreemptsQueuedWork(t *testing.T) {
	r := NewRunner(testLogger())
	defer r.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	// The first message posts a follow-up to the front while a second
	// external message is already queued behind it. The follow-up must
	// run before the external message.
	r.Post("first", func() {
		r.PostFront("follow-up", func() {
			mu.Lock()
			got = append(got, "follow-up")
			mu.Unlock()
		})
		mu.Lock()
		got = append(got, "first")
		mu.Unlock()
	})
	r.Post("external", func() {
		mu.Lock()
		got = append(got, "external")
		mu.Unlock()
		close(done)
	})

	<-done
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "follow-up", "external"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got order %v, want %v", got, want)
		}
	}
}

func TestSubmitReturnsResult(t *testing.T) {
	r := NewRunner(testLogger())
	defer r.Stop()

	got := Submit(r, "test", func() int { return 42 })
	if got != 42 {
		t.Fatalf("Submit returned %d, want 42", got)
	}
}

func TestSubmitAfterStopReturnsZero(t *testing.T) {
	r := NewRunner(testLogger())
	r.Stop()

	got := Submit(r, "test", func() bool { return true })
	if got {
		t.Fatal("Submit after Stop should return the zero value")
	}
}

func TestPostDelayed(t *testing.T) {
	r := NewRunner(testLogger())
	defer r.Stop()

	done := make(chan struct{})
	r.PostDelayed("test", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestPanicDoesNotKillRunner(t *testing.T) {
	r := NewRunner(testLogger())
	defer r.Stop()

	r.Post("bad", func() { panic("boom") })

	got := Submit(r, "after", func() int { return 7 })
	if got != 7 {
		t.Fatal("runner did not survive a panicking message")
	}
}
