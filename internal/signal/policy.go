// Package signal filters raw strategy decisions before they reach order entry
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// Verdict says what happened to a candidate signal
type Verdict string

const (
	VerdictAccepted  Verdict = "ACCEPTED"
	VerdictHold      Verdict = "HOLD"
	VerdictExpired   Verdict = "EXPIRED"
	VerdictDuplicate Verdict = "DUPLICATE"
	VerdictCooldown  Verdict = "COOLDOWN"
)

type pairKey struct {
	strategyID string
	symbol     string
}

type record struct {
	lastType core.SignalType
	lastAt   time.Time
}

// Policy applies the admission pipeline to candidate signals: HOLDs are
// discarded, then expiry, then duplicate suppression, then the per-pair
// cooldown. State is in-process only; a restart clears it.
type Policy struct {
	cooldown time.Duration
	now      func() time.Time

	mu   sync.Mutex
	seen map[pairKey]record
}

// NewPolicy builds a policy with the given default cooldown window, used
// when a signal's strategy does not carry its own.
func NewPolicy(cooldown time.Duration) *Policy {
	if cooldown <= 0 {
		cooldown = core.DefaultSignalCooldownSeconds * time.Second
	}
	return &Policy{
		cooldown: cooldown,
		now:      time.Now,
		seen:     make(map[pairKey]record),
	}
}

// SetClock overrides the time source. Test hook.
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

// Admit runs the pipeline for one signal. Only VerdictAccepted signals
// may proceed to order placement; acceptance records the signal for
// future duplicate and cooldown checks. cooldown is the emitting
// strategy's window; zero or negative falls back to the policy default.
func (p *Policy) Admit(ctx context.Context, s core.Signal, cooldown time.Duration) Verdict {
	if s.Type == core.SignalHold {
		return VerdictHold
	}

	now := p.now()
	if s.Expired(now) {
		return VerdictExpired
	}

	if cooldown <= 0 {
		cooldown = p.cooldown
	}
	key := pairKey{s.StrategyID, s.Symbol}

	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := p.seen[key]; ok && now.Sub(rec.lastAt) < cooldown {
		if rec.lastType == s.Type {
			return VerdictDuplicate
		}
		return VerdictCooldown
	}

	p.seen[key] = record{lastType: s.Type, lastAt: now}
	telemetry.GetGlobalMetrics().AddSignal(ctx, string(s.Type))
	return VerdictAccepted
}

// Reset clears admission state for a pair. Used when a strategy is
// re-activated so the first fresh signal is not swallowed.
func (p *Policy) Reset(strategyID, symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seen, pairKey{strategyID, symbol})
}
