package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/model-router/internal/notifications"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type MockNotifier struct {
	SendFunc func(ctx context.Context, n notifications.Notification) error
}

func (m *MockNotifier) Send(ctx context.Context, n notifications.Notification) error {
	return m.SendFunc(ctx, n)
}

func testConfig() Config {
	return Config{
		Enabled:            true,
		CacheMissThreshold: 5,
		ErrorThreshold:     3,
		Window:             time.Minute,
		Interval:           5 * time.Minute,
	}
}

func newTestDetector(clock *testClock, notifier notifications.Notifier) *Detector {
	dedup := NewInMemoryDeduplicator(testConfig().Interval)
	dedup.now = clock.Now
	return NewDetector(testConfig(), notifier, dedup, WithClock(clock.Now))
}

func TestDetector_CacheMissThreshold(t *testing.T) {
	clock := newTestClock()
	notifier := notifications.NewInMemoryNotifier()
	d := newTestDetector(clock, notifier)

	for i := 0; i < 4; i++ {
		d.RecordCacheMiss("sonnet", "sonnet-primary", 0.40)
	}
	d.Wait()
	if got := notifier.Sent(); len(got) != 0 {
		t.Fatalf("got %d alerts below threshold, want 0", len(got))
	}

	d.RecordCacheMiss("sonnet", "sonnet-primary", 0.40)
	d.Wait()

	got := notifier.Sent()
	if len(got) != 1 {
		t.Fatalf("got %d alerts, want 1", len(got))
	}
	if got[0].Type != notifications.NotificationCacheMissAlert {
		t.Errorf("Type = %q", got[0].Type)
	}
	if got[0].Data["count"] != 5 {
		t.Errorf("count = %v, want 5", got[0].Data["count"])
	}
	if loss := got[0].Data["total_loss_usd"].(float64); loss < 1.99 || loss > 2.01 {
		t.Errorf("total_loss_usd = %v, want 2.00", loss)
	}
}

func TestDetector_WindowSlides(t *testing.T) {
	clock := newTestClock()
	notifier := notifications.NewInMemoryNotifier()
	d := newTestDetector(clock, notifier)

	for i := 0; i < 4; i++ {
		d.RecordCacheMiss("sonnet", "primary", 1)
	}
	clock.Advance(2 * time.Minute)
	d.RecordCacheMiss("sonnet", "primary", 1)
	d.Wait()

	if got := notifier.Sent(); len(got) != 0 {
		t.Errorf("got %d alerts, want 0 once old misses left the window", len(got))
	}
}

func TestDetector_SuppressedWithinInterval(t *testing.T) {
	clock := newTestClock()
	notifier := notifications.NewInMemoryNotifier()
	d := newTestDetector(clock, notifier)

	for i := 0; i < 10; i++ {
		d.RecordCacheMiss("sonnet", "primary", 1)
		d.Wait()
	}
	if got := notifier.Sent(); len(got) != 1 {
		t.Fatalf("got %d alerts, want 1 within one interval", len(got))
	}

	clock.Advance(6 * time.Minute)
	for i := 0; i < 5; i++ {
		d.RecordCacheMiss("sonnet", "primary", 1)
	}
	d.Wait()

	if got := notifier.Sent(); len(got) != 2 {
		t.Errorf("got %d alerts, want 2 after the interval", len(got))
	}
}

func TestDetector_FailedSendRetries(t *testing.T) {
	clock := newTestClock()

	var mu sync.Mutex
	attempts := 0
	notifier := &MockNotifier{
		SendFunc: func(ctx context.Context, n notifications.Notification) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("topic unavailable")
			}
			return nil
		},
	}
	d := newTestDetector(clock, notifier)

	for i := 0; i < 5; i++ {
		d.RecordCacheMiss("sonnet", "primary", 1)
	}
	d.Wait()

	for i := 0; i < 5; i++ {
		d.RecordCacheMiss("sonnet", "primary", 1)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (failed send must not hold the interval)", attempts)
	}
}

func TestDetector_UpstreamErrors(t *testing.T) {
	clock := newTestClock()
	notifier := notifications.NewInMemoryNotifier()
	d := newTestDetector(clock, notifier)

	d.RecordUpstreamError("primary", 400)
	d.RecordUpstreamError("primary", 429)
	d.RecordUpstreamError("primary", 503)
	d.RecordUpstreamError("primary", 529)
	d.Wait()
	if got := notifier.Sent(); len(got) != 0 {
		t.Fatalf("client errors must not count, got %d alerts", len(got))
	}

	d.RecordUpstreamError("failover", 500)
	d.Wait()

	got := notifier.Sent()
	if len(got) != 1 || got[0].Type != notifications.NotificationUpstreamErrorAlert {
		t.Fatalf("alerts = %+v", got)
	}
	statuses := got[0].Data["statuses"].(map[string]int)
	if statuses["529"] != 1 || statuses["500"] != 1 {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestDetector_Disabled(t *testing.T) {
	notifier := notifications.NewInMemoryNotifier()
	cfg := testConfig()
	cfg.Enabled = false
	d := NewDetector(cfg, notifier, nil)

	for i := 0; i < 10; i++ {
		d.RecordCacheMiss("a", "b", 1)
		d.RecordUpstreamError("b", 500)
	}
	d.Wait()

	if got := notifier.Sent(); len(got) != 0 {
		t.Errorf("got %d alerts from a disabled detector", len(got))
	}
}
