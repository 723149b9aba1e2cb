package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []AlertConfig
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig, logger *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{configs: configs, logger: logger}
}

// Dispatch sends the event to all webhooks whose Events list matches.
// Matching is based on event.Outcome or event.Code. Sends run in the
// background; use Wait to drain them.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendBudget)
			defer cancel()
			if err := Send(ctx, cfg, event); err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("url", cfg.URL),
					zap.String("action", event.Action),
					zap.Error(err))
			}
		}(cfg)
	}
}

// Wait blocks until in-flight sends finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event AlertEvent) bool {
	for _, e := range events {
		if e == event.Outcome {
			return true
		}
		if event.Code != "" && e == event.Code {
			return true
		}
	}
	return false
}
