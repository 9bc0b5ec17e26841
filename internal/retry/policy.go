package retry

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"nightpilot/internal/job"
)

type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Fixed       Strategy = "fixed"
)

// Policy bounds a retry chain. MaxRetries counts retries, so a chain has at
// most MaxRetries+1 attempts.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Strategy   Strategy
	// Jitter is a +/- fraction applied to each delay; 0 keeps delays exact.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Base: time.Second, MaxDelay: time.Minute, Strategy: Exponential}
}

// ForJob overlays a job's retry_config on p.
func (p Policy) ForJob(rc job.RetryConfig) Policy {
	if rc.MaxRetries != nil {
		p.MaxRetries = *rc.MaxRetries
	}
	if rc.BaseDelayMS > 0 {
		p.Base = time.Duration(rc.BaseDelayMS) * time.Millisecond
	}
	if rc.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(rc.MaxDelayMS) * time.Millisecond
	}
	if s := strings.TrimSpace(rc.Strategy); s != "" {
		p.Strategy = Strategy(s)
	}
	if rc.Jitter > 0 {
		p.Jitter = rc.Jitter
	}
	return p.normalized()
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	switch p.Strategy {
	case Exponential, Linear, Fixed:
	default:
		p.Strategy = Exponential
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0
	}
	return p
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Delay is the wait before the retry that follows attempt retryCount
// (0 for the first attempt). Exponential: Base * 2^retryCount, capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	p = p.normalized()
	if retryCount < 0 {
		retryCount = 0
	}

	d := p.Base
	switch p.Strategy {
	case Fixed:
	case Linear:
		d = p.Base * time.Duration(retryCount+1)
		if d/time.Duration(retryCount+1) != p.Base || d > p.MaxDelay {
			d = p.MaxDelay
		}
	default:
		for i := 0; i < retryCount; i++ {
			d *= 2
			if d > p.MaxDelay {
				d = p.MaxDelay
				break
			}
		}
	}

	if p.Jitter > 0 && d > 0 {
		rngMu.Lock()
		r := (rng.Float64()*2 - 1) * p.Jitter
		rngMu.Unlock()
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// delayFor honours an After hint carried by err, bounded by MaxDelay.
func (p Policy) delayFor(retryCount int, err error) time.Duration {
	var ra AfterError
	if err != nil && errors.As(err, &ra) {
		p = p.normalized()
		d := ra.RetryAfter()
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d
	}
	return p.Delay(retryCount)
}
