package cooldown

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nightpilot/internal/eventbus"
	logx "nightpilot/pkg/logx"
)

type fakeClock struct{ ns atomic.Int64 }

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.ns.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.ns.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.ns.Add(int64(d)) }

func TestGateObserveAndExpire(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	g := NewGate(nil, logx.Nop(), WithClock(clk.Now), WithBus(bus))
	if g.IsCooling() {
		t.Fatalf("fresh gate should not be cooling")
	}

	st := g.Observe("Please try again in 2m30s")
	if !st.IsCooling || st.SecondsRemaining != 150 {
		t.Fatalf("state=%+v", st)
	}
	if want := clk.Now().Add(150 * time.Second); !st.NextAvailable.Equal(want) {
		t.Fatalf("next=%v want %v", st.NextAvailable, want)
	}
	if e := <-events; e.Type != eventbus.CooldownDetected {
		t.Fatalf("event=%s", e.Type)
	}

	clk.Advance(60 * time.Second)
	if got := g.Check().SecondsRemaining; got != 90 {
		t.Fatalf("remaining=%d want 90", got)
	}

	clk.Advance(90 * time.Second)
	if g.Check().IsCooling {
		t.Fatalf("cooldown should expire on its own")
	}
	if e := <-events; e.Type != eventbus.CooldownCleared {
		t.Fatalf("event=%s", e.Type)
	}
}

func TestGateKeepsLongerCooldown(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Now())
	g := NewGate(nil, logx.Nop(), WithClock(clk.Now))

	g.Observe("API quota exceeded")
	st := g.Observe("wait 5 seconds")
	if st.Pattern != "quota_exhausted" || st.SecondsRemaining != 3600 {
		t.Fatalf("shorter cooldown replaced a longer one: %+v", st)
	}

	if !st.Matched {
		t.Fatalf("matching output should report Matched")
	}

	// Unrelated output does not clear an unexpired cooldown.
	st = g.Observe("hello")
	if !st.IsCooling {
		t.Fatalf("cooldown cleared early")
	}
	if st.Matched {
		t.Fatalf("unrelated output reported Matched")
	}
	if g.Check().Matched {
		t.Fatalf("Check never reports Matched")
	}

	g.Reset()
	if g.IsCooling() {
		t.Fatalf("reset should clear")
	}
}

func TestGateObserveClearsExpired(t *testing.T) {
	t.Parallel()

	clk := newFakeClock(time.Now())
	g := NewGate(nil, logx.Nop(), WithClock(clk.Now))
	g.Observe("cooldown: 10s")
	clk.Advance(11 * time.Second)
	if g.Observe("done").IsCooling {
		t.Fatalf("expired cooldown should clear")
	}
}

func TestGateConcurrentAccess(t *testing.T) {
	t.Parallel()

	g := NewGate(nil, logx.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				g.Observe("retry in 2 seconds")
			}
		}()
		go func() {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				st := g.Check()
				if st.IsCooling && st.SecondsRemaining <= 0 {
					t.Errorf("inconsistent state %+v", st)
					return
				}
			}
		}()
	}
	wg.Wait()
	if !g.IsCooling() {
		t.Fatalf("expected cooling after observations")
	}
}

func TestGateSetPatterns(t *testing.T) {
	t.Parallel()

	g := NewGate(nil, logx.Nop())
	ps, err := CompilePatterns([]PatternConfig{{Name: "custom", Regex: `slow down for (\d+)s`, Unit: "seconds"}})
	if err != nil {
		t.Fatal(err)
	}
	g.SetPatterns(ps)
	if g.Observe("try again in 30 seconds").IsCooling {
		t.Fatalf("default table should be replaced")
	}
	if st := g.Observe("slow down for 20s"); st.Pattern != "custom" {
		t.Fatalf("state=%+v", st)
	}
}
