package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisStoreWithClient(client), mr
}

func TestRedisStore_StartsActive(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.Init(ctx, "alias"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	st, err := store.Get(ctx, "alias")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Status != StatusActive {
		t.Errorf("status = %v, want active", st.Status)
	}
}

func TestRedisStore_InitKeepsExistingState(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	store.Init(ctx, "alias")
	store.Activate(ctx, "alias", now, now.Add(time.Minute), 2.5)
	store.Init(ctx, "alias")

	st, _ := store.Get(ctx, "alias")
	if st.Status != StatusFailedOver {
		t.Errorf("status = %v, want failed_over to survive a restart", st.Status)
	}
}

func TestRedisStore_ActivateAndDuplicate(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	deadline := now.Add(10 * time.Minute)

	store.Init(ctx, "alias")

	prev, next, activated, err := store.Activate(ctx, "alias", now, deadline, 2.10)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !activated {
		t.Fatal("expected activation")
	}
	if prev.Status != StatusActive {
		t.Errorf("prev status = %v, want active", prev.Status)
	}
	if next.TriggerCount != 1 || !next.RecoveryDeadline.Equal(deadline) {
		t.Errorf("next = %+v", next)
	}

	st, _ := store.Get(ctx, "alias")
	if st.Status != StatusFailedOver || !st.ActivatedAt.Equal(now) || !st.RecoveryDeadline.Equal(deadline) {
		t.Errorf("stored = %+v", st)
	}
	if st.LastLossUSD != 2.10 {
		t.Errorf("LastLossUSD = %v, want 2.10", st.LastLossUSD)
	}

	_, _, activated, err = store.Activate(ctx, "alias", now.Add(time.Minute), now.Add(11*time.Minute), 3.0)
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if activated {
		t.Error("second activation inside the cooldown must be a no-op")
	}

	st, _ = store.Get(ctx, "alias")
	if !st.RecoveryDeadline.Equal(deadline) {
		t.Errorf("deadline extended to %v", st.RecoveryDeadline)
	}
}

func TestRedisStore_Recover(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	deadline := now.Add(10 * time.Minute)

	store.Init(ctx, "alias")
	store.Activate(ctx, "alias", now, deadline, 2.10)

	tests := []struct {
		name        string
		activatedAt time.Time
		at          time.Time
		force       bool
		want        bool
	}{
		{"stale activation", now.Add(-time.Hour), deadline, false, false},
		{"before deadline", now, now.Add(time.Minute), false, false},
		{"at deadline", now, deadline, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, recovered, err := store.Recover(ctx, "alias", tt.activatedAt, tt.at, tt.force)
			if err != nil {
				t.Fatalf("Recover() error = %v", err)
			}
			if recovered != tt.want {
				t.Errorf("recovered = %v, want %v", recovered, tt.want)
			}
			if tt.want && st.Status != StatusActive {
				t.Errorf("status = %v, want active", st.Status)
			}
		})
	}
}

func TestRedisStore_ForcedRecover(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	store.Init(ctx, "alias")
	store.Activate(ctx, "alias", now, now.Add(10*time.Minute), 2.10)

	st, recovered, err := store.Recover(ctx, "alias", time.Time{}, now.Add(time.Second), true)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !recovered || st.Status != StatusActive {
		t.Errorf("Recover() = %+v, %v", st, recovered)
	}
	if !st.ActivatedAt.IsZero() {
		t.Error("activated_at should be cleared")
	}
}

func TestRedisStore_ManagersShareState(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	first := NewManager(testConfig(), store)
	defer first.Close()
	second := NewManager(testConfig(), store)
	defer second.Close()

	first.Register(ctx, "alias", true)
	second.Register(ctx, "alias", true)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 20)
	for i := 0; i < 10; i++ {
		for _, m := range []*Manager{first, second} {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				o, err := m.Signal(ctx, qualifying("alias"))
				if err != nil {
					t.Errorf("Signal() error = %v", err)
				}
				outcomes <- o
			}(m)
		}
	}
	wg.Wait()
	close(outcomes)

	activated := 0
	for o := range outcomes {
		if o == OutcomeActivated {
			activated++
		}
	}
	if activated != 1 {
		t.Errorf("activated = %d across instances, want 1", activated)
	}

	st, err := second.Snapshot(ctx, "alias")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if st.Status != StatusFailedOver {
		t.Errorf("second instance sees %v, want failed_over", st.Status)
	}
	if !second.pendingTimer("alias") {
		t.Error("second instance should schedule its own recovery timer")
	}
}
