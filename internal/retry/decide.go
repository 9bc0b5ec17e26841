package retry

import (
	"fmt"
	"time"
)

// Class is the failure classification of one attempt.
type Class int

const (
	ClassNone      Class = iota // the attempt succeeded
	ClassTransient              // timeout, I/O error, non-zero exit
	ClassPermanent              // setup/spawn or validation failure
	ClassCooldown               // the tool reported a rate limit or quota
	ClassCancelled              // the run was cancelled from outside
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCooldown:
		return "cooldown"
	case ClassCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Action is what the chain does next.
type Action int

const (
	ActionComplete Action = iota // record success
	ActionRetry                  // wait Delay, then start a new attempt
	ActionFail                   // record a terminal failure
	ActionDefer                  // stop without failing; try again after the cooldown
	ActionCancel                 // record cancellation
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionDefer:
		return "defer"
	case ActionCancel:
		return "cancel"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

type transition func(p Policy, retryCount int, err error) Decision

// transitions is the whole state machine: class x retry_count -> decision.
var transitions = map[Class]transition{
	ClassNone: func(Policy, int, error) Decision {
		return Decision{Action: ActionComplete}
	},
	ClassTransient: func(p Policy, n int, err error) Decision {
		if n < p.MaxRetries {
			return Decision{
				Action: ActionRetry,
				Delay:  p.delayFor(n, err),
				Reason: fmt.Sprintf("attempt %d of %d failed", n+1, p.MaxRetries+1),
			}
		}
		if p.MaxRetries == 0 {
			return Decision{Action: ActionFail, Reason: "failed, retries disabled"}
		}
		return Decision{Action: ActionFail, Reason: fmt.Sprintf("retries exhausted after %d attempts", n+1)}
	},
	ClassPermanent: func(Policy, int, error) Decision {
		return Decision{Action: ActionFail, Reason: "permanent failure"}
	},
	ClassCooldown: func(Policy, int, error) Decision {
		return Decision{Action: ActionDefer, Reason: "cooldown active"}
	},
	ClassCancelled: func(Policy, int, error) Decision {
		return Decision{Action: ActionCancel, Reason: "cancelled"}
	},
}

// Decide returns the next step after an attempt with the given class.
// retryCount is the attempt's own retry count (0 for the first attempt).
// err may carry an After hint that overrides the computed delay.
func (p Policy) Decide(class Class, retryCount int, err error) Decision {
	p = p.normalized()
	t, ok := transitions[class]
	if !ok {
		return Decision{Action: ActionFail, Reason: "unknown failure class " + class.String()}
	}
	return t(p, retryCount, err)
}
