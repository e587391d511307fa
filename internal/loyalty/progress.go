// Package loyalty derives a user's reward eligibility from their promotion
// counters and earned grants. Evaluation is a pure read; counters advance
// only through external purchase events.
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"loyaltybot/internal/storage"
)

// ErrStoreUnavailable wraps store lookup failures so callers can tell
// "could not evaluate" apart from "not enrolled" and skip the user instead
// of suppressing a legitimate notification.
var ErrStoreUnavailable = errors.New("loyalty: store unavailable")

type State int

const (
	NotEnrolled State = iota
	InProgress
	RewardReady
)

func (s State) String() string {
	switch s {
	case NotEnrolled:
		return "not_enrolled"
	case InProgress:
		return "in_progress"
	case RewardReady:
		return "reward_ready"
	default:
		return "unknown"
	}
}

// Eligibility is the outcome of one evaluation.
//
// SlotsRemaining and Progress are meaningful only for InProgress.
type Eligibility struct {
	State          State
	SlotsRemaining int
	Progress       int // percent of the matched counter
}

type Config struct {
	// Promotion is matched against counter names case-insensitively as a
	// substring. Counters are named loosely by operators, so this is a
	// deliberate heuristic, not a keyed lookup; first match wins.
	Promotion string
	// SlotSize is the percent one purchase adds. Defaults to 20.
	SlotSize int
}

const defaultSlotSize = 20

// Evaluate maps one user's counters and grants to an eligibility state.
// Pure: identical input yields identical output.
func Evaluate(counters []storage.Counter, grants []storage.Grant, cfg Config) Eligibility {
	for _, g := range grants {
		if !g.Used {
			return Eligibility{State: RewardReady, Progress: 100}
		}
	}

	c, ok := matchCounter(counters, cfg.Promotion)
	if !ok {
		return Eligibility{State: NotEnrolled}
	}
	if c.Progress >= 100 {
		return Eligibility{State: RewardReady, Progress: c.Progress}
	}

	slot := cfg.SlotSize
	if slot <= 0 {
		slot = defaultSlotSize
	}
	total := 100 / slot
	filled := c.Progress / slot
	remaining := total - filled
	if remaining < 0 {
		remaining = 0
	}
	return Eligibility{State: InProgress, SlotsRemaining: remaining, Progress: c.Progress}
}

func matchCounter(counters []storage.Counter, promotion string) (storage.Counter, bool) {
	needle := strings.ToLower(strings.TrimSpace(promotion))
	if needle == "" {
		// An empty promotion matches nothing; Contains("", ...) would
		// match every counter.
		return storage.Counter{}, false
	}
	for _, c := range counters {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			return c, true
		}
	}
	return storage.Counter{}, false
}

// Evaluator binds Evaluate to a store and a hot-reloadable config.
type Evaluator struct {
	store storage.Store

	mu  sync.RWMutex
	cfg Config
}

func NewEvaluator(store storage.Store, cfg Config) *Evaluator {
	return &Evaluator{store: store, cfg: cfg}
}

// Apply swaps the promotion config at runtime.
func (e *Evaluator) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Evaluator) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// EvaluateUser fetches the user's counters and grants and evaluates them.
// Store failures come back wrapped in ErrStoreUnavailable.
func (e *Evaluator) EvaluateUser(ctx context.Context, userID int64) (Eligibility, error) {
	counters, err := e.store.Counters(ctx, userID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("%w: counters for %d: %v", ErrStoreUnavailable, userID, err)
	}
	grants, err := e.store.Grants(ctx, userID)
	if err != nil {
		return Eligibility{}, fmt.Errorf("%w: grants for %d: %v", ErrStoreUnavailable, userID, err)
	}
	return Evaluate(counters, grants, e.Config()), nil
}
