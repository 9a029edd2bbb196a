package fallback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyx/screener/internal/errormonitor"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within deadline")
	}
}

func newTestController(dialProbe func(ctx context.Context) error) *Controller {
	return New(Config{
		PrimaryFailureThreshold: 3,
		NetworkFailureThreshold: 10,
		RecoveryCooldown:        5 * time.Millisecond,
		dialProbe:               dialProbe,
	}, zerolog.Nop())
}

func TestController_StartsInNormalMode(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	if c.Mode() != ModeNormal {
		t.Fatalf("Mode() = %v, want NORMAL", c.Mode())
	}
}

func TestController_PrimaryFailuresBelowThresholdStayNormal(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	ctx := context.Background()
	c.RecordFailure(ctx, CategoryPrimary, "timeout")
	c.RecordFailure(ctx, CategoryPrimary, "timeout")
	if c.Mode() != ModeNormal {
		t.Fatalf("Mode() = %v, want NORMAL below threshold", c.Mode())
	}
}

func TestController_PrimaryFailuresAtThresholdDegrades(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}
	if c.Mode() != ModeDirectExchange {
		t.Fatalf("Mode() = %v, want DIRECT_EXCHANGE", c.Mode())
	}
}

func TestController_NetworkFailuresInDirectExchangeDegradeToCachedOnly(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}
	for i := 0; i < 10; i++ {
		c.RecordFailure(ctx, CategoryNetwork, "dial refused")
	}
	if c.Mode() != ModeCachedOnly {
		t.Fatalf("Mode() = %v, want CACHED_ONLY", c.Mode())
	}
}

func TestController_RecoveryProbeAfterCooldownReturnsToNormal(t *testing.T) {
	var probeOK bool
	var mu sync.Mutex
	c := newTestController(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if probeOK {
			return nil
		}
		return errors.New("still down")
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}
	if c.Mode() != ModeDirectExchange {
		t.Fatalf("Mode() = %v, want DIRECT_EXCHANGE", c.Mode())
	}

	mu.Lock()
	probeOK = true
	mu.Unlock()

	waitFor(t, func() bool { return c.Mode() == ModeNormal })
}

func TestController_RecordOfflineForcesOfflineFromAnyMode(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	c.RecordOffline(context.Background(), "no network path")
	if c.Mode() != ModeOffline {
		t.Fatalf("Mode() = %v, want OFFLINE", c.Mode())
	}
}

func TestController_SubscribeReceivesTransitions(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	var mu sync.Mutex
	var got []Transition
	unsub := c.Subscribe(func(tr Transition) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
	})
	defer unsub()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Mode != ModeDirectExchange {
		t.Fatalf("transition mode = %v, want DIRECT_EXCHANGE", got[0].Mode)
	}
	if len(got[0].AffectedFeatures) == 0 {
		t.Fatalf("expected AffectedFeatures to be populated for a degraded mode")
	}
	if got[0].EstimatedRecoveryMs == nil {
		t.Fatalf("expected EstimatedRecoveryMs to be set for a degraded mode")
	}
}

func TestController_UnsubscribeStopsDelivery(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	var mu sync.Mutex
	calls := 0
	unsub := c.Subscribe(func(Transition) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	unsub()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 after unsubscribe", calls)
	}
}

type fakeAdvisor struct {
	mu      sync.Mutex
	allowed bool
	calls   int
}

func (f *fakeAdvisor) ShouldRecover(category errormonitor.Category) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allowed
}

func TestController_AdvisorVetoesRecoveryProbe(t *testing.T) {
	probed := false
	var mu sync.Mutex
	c := newTestController(func(context.Context) error {
		mu.Lock()
		probed = true
		mu.Unlock()
		return nil
	})
	advisor := &fakeAdvisor{allowed: false}
	c.SetRecoveryAdvisor(advisor)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}

	waitFor(t, func() bool {
		advisor.mu.Lock()
		defer advisor.mu.Unlock()
		return advisor.calls > 0
	})

	mu.Lock()
	didProbe := probed
	mu.Unlock()
	if didProbe {
		t.Fatalf("expected dialProbe to be skipped while the advisor vetoes recovery")
	}
	if c.Mode() != ModeDirectExchange {
		t.Fatalf("Mode() = %v, want DIRECT_EXCHANGE while recovery is vetoed", c.Mode())
	}
}

func TestController_AdvisorAllowsRecoveryProbe(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	advisor := &fakeAdvisor{allowed: true}
	c.SetRecoveryAdvisor(advisor)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, CategoryPrimary, "timeout")
	}

	waitFor(t, func() bool { return c.Mode() == ModeNormal })
}

func TestController_LimiterIsNotNil(t *testing.T) {
	c := newTestController(func(context.Context) error { return nil })
	if c.Limiter() == nil {
		t.Fatalf("Limiter() returned nil")
	}
}
