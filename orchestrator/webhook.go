package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/internal/vcs/github"
)

// HandleWebhook starts a background cycle for a GitHub trigger. The boolean
// is false when the same trigger was already handled.
func (s *Service) HandleWebhook(ctx context.Context, trigger github.CycleTrigger) (string, bool, error) {
	if trigger.Base == "" || s.source == nil {
		return "", false, fmt.Errorf("%w: webhook trigger has no diffable base", ErrChangesRequired)
	}
	key := trigger.Key()
	if !s.events.add(key) {
		s.logger.Info("duplicate webhook ignored", "event", "webhook_duplicate", "event_key", key)
		return "", false, nil
	}

	runID := s.ids.RunID()
	logger := observability.WithRun(s.logger, runID)
	logger.Info("webhook accepted",
		"event", "webhook_accepted",
		"event_type", trigger.Event,
		"repo", trigger.Repo,
		"head", trigger.Head,
		"base", trigger.Base,
	)

	cycleCtx := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		_, err := s.RunCycle(cycleCtx, CycleRequest{
			RunID:   runID,
			Ref:     trigger.Base,
			Execute: s.webhookExecute,
			Trigger: trigger.Report(),
		})
		if err != nil {
			logger.Warn("webhook cycle failed", "event", "webhook_cycle_failed", "error", err)
		}
	}()
	return runID, true, nil
}

// eventSet remembers the most recent webhook keys, oldest evicted first.
type eventSet struct {
	mu    sync.Mutex
	limit int
	keys  map[string]struct{}
	order []string
}

func newEventSet(limit int) *eventSet {
	return &eventSet{limit: limit, keys: make(map[string]struct{}, limit)}
}

// add reports whether key was not seen before.
func (e *eventSet) add(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.keys[key]; seen {
		return false
	}
	e.keys[key] = struct{}{}
	e.order = append(e.order, key)
	if len(e.order) > e.limit {
		delete(e.keys, e.order[0])
		e.order = e.order[1:]
	}
	return true
}
