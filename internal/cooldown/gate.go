package cooldown

import (
	"math"
	"sync"
	"time"

	"nightpilot/internal/eventbus"
	logx "nightpilot/pkg/logx"
)

// State is a snapshot of the gate.
type State struct {
	IsCooling        bool
	SecondsRemaining int64
	NextAvailable    time.Time
	ResetTime        time.Time
	Pattern          string
	Message          string
	DetectedAt       time.Time
	// Matched is set by Observe when the observed output itself hit a pattern.
	Matched bool
}

// Gate is the process-wide cooldown state shared by the executor (writer)
// and the scheduler (reader).
type Gate struct {
	mu       sync.RWMutex
	state    State
	patterns []Pattern

	now func() time.Time
	log logx.Logger
	bus eventbus.Bus
}

type Option func(*Gate)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithBus publishes "cooldown.detected" and "cooldown.cleared" events.
func WithBus(bus eventbus.Bus) Option { return func(g *Gate) { g.bus = bus } }

// NewGate builds a gate over patterns; nil means DefaultPatterns.
func NewGate(patterns []Pattern, log logx.Logger, opts ...Option) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	g := &Gate{patterns: patterns, now: time.Now, log: log.With(logx.String("comp", "cooldown"))}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetPatterns swaps the detection table. The current state is kept.
func (g *Gate) SetPatterns(patterns []Pattern) {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	g.mu.Lock()
	g.patterns = patterns
	g.mu.Unlock()
	g.log.Info("cooldown patterns updated", logx.Int("patterns", len(patterns)))
}

// Observe scans tool output. A match sets the cooldown; output without a
// match clears any cooldown that has already expired.
func (g *Gate) Observe(output string) State {
	now := g.now()

	g.mu.RLock()
	patterns := g.patterns
	g.mu.RUnlock()

	m, ok := Detect(patterns, output, now)

	g.mu.Lock()
	var cleared, detected bool
	if ok {
		next := now.Add(m.Wait)
		// Never shorten a longer cooldown we already know about.
		if !g.state.IsCooling || next.After(g.state.NextAvailable) {
			g.state = State{
				IsCooling:     true,
				NextAvailable: next,
				ResetTime:     m.Reset,
				Pattern:       m.Pattern,
				Message:       m.Text,
				DetectedAt:    now,
			}
			detected = true
		}
	} else if g.state.IsCooling && !now.Before(g.state.NextAvailable) {
		g.state = State{}
		cleared = true
	}
	st := g.viewLocked(now)
	st.Matched = ok
	g.mu.Unlock()

	switch {
	case detected:
		g.log.Warn("cooldown detected",
			logx.String("pattern", st.Pattern),
			logx.Int64("seconds", st.SecondsRemaining),
			logx.Time("next_available", st.NextAvailable))
		g.publish(eventbus.CooldownDetected, st)
	case cleared:
		g.log.Info("cooldown cleared")
		g.publish(eventbus.CooldownCleared, st)
	}
	return st
}

// Check returns the current state. An expired cooldown reads as not cooling
// and is cleared.
func (g *Gate) Check() State {
	now := g.now()

	g.mu.RLock()
	st := g.viewLocked(now)
	expired := g.state.IsCooling && !st.IsCooling
	g.mu.RUnlock()

	if expired {
		g.mu.Lock()
		cleared := g.state.IsCooling && !now.Before(g.state.NextAvailable)
		if cleared {
			g.state = State{}
		}
		g.mu.Unlock()
		if cleared {
			g.log.Info("cooldown expired")
			g.publish(eventbus.CooldownCleared, st)
		}
	}
	return st
}

// IsCooling is shorthand for Check().IsCooling.
func (g *Gate) IsCooling() bool { return g.Check().IsCooling }

// Reset clears the cooldown unconditionally (operator override).
func (g *Gate) Reset() {
	g.mu.Lock()
	g.state = State{}
	g.mu.Unlock()
	g.log.Info("cooldown reset")
}

func (g *Gate) viewLocked(now time.Time) State {
	st := g.state
	if !st.IsCooling {
		return State{}
	}
	left := st.NextAvailable.Sub(now)
	if left <= 0 {
		return State{}
	}
	st.SecondsRemaining = int64(math.Ceil(left.Seconds()))
	return st
}

func (g *Gate) publish(typ string, st State) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(eventbus.Event{Type: typ, Data: st})
}
