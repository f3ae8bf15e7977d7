package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(ctx context.Context, level Level, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, message)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestThrottledSuppressesWithinWindow(t *testing.T) {
	t.Parallel()
	rec := &recordingNotifier{}
	th := NewThrottled(rec, time.Hour)

	for i := 0; i < 5; i++ {
		if err := th.NotifyKeyed(context.Background(), "low-balance", LevelWarning, "insufficient balance"); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if rec.count() != 1 {
		t.Errorf("delivered %d notifications, want 1 (throttled)", rec.count())
	}
}

func TestThrottledAllowsDifferentKeys(t *testing.T) {
	t.Parallel()
	rec := &recordingNotifier{}
	th := NewThrottled(rec, time.Hour)

	th.NotifyKeyed(context.Background(), "key-a", LevelWarning, "a")
	th.NotifyKeyed(context.Background(), "key-b", LevelWarning, "b")

	if rec.count() != 2 {
		t.Errorf("delivered %d notifications, want 2 (distinct keys)", rec.count())
	}
}

func TestThrottledAllowsAfterWindowExpires(t *testing.T) {
	t.Parallel()
	rec := &recordingNotifier{}
	th := NewThrottled(rec, 10*time.Millisecond)

	th.NotifyKeyed(context.Background(), "key", LevelWarning, "first")
	time.Sleep(20 * time.Millisecond)
	th.NotifyKeyed(context.Background(), "key", LevelWarning, "second")

	if rec.count() != 2 {
		t.Errorf("delivered %d notifications, want 2 (window expired)", rec.count())
	}
}
