package trade

import (
	"context"
	"sync"
	"time"

	"github.com/tradecore/ledger-engine/internal/model"
)

// scopes serializes mutations per account. Every operation touching an
// account's orders, lots or ledger acquires the account's scope first;
// operations on different accounts proceed fully in parallel. A bounded
// wait keeps contended callers from piling up: past the bound they get a
// ConcurrencyConflictError and should retry.
type scopes struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
	wait time.Duration
}

func newScopes(wait time.Duration) *scopes {
	return &scopes{
		sems: make(map[string]chan struct{}),
		wait: wait,
	}
}

func (s *scopes) sem(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[key]
	if !ok {
		sem = make(chan struct{}, 1)
		s.sems[key] = sem
	}
	return sem
}

// acquire claims the scope for key, waiting at most the configured
// bound. The returned release function must be called exactly once.
func (s *scopes) acquire(ctx context.Context, key string) (func(), error) {
	sem := s.sem(key)

	timer := time.NewTimer(s.wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-timer.C:
		return nil, &model.ConcurrencyConflictError{Scope: key}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
