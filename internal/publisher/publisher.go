// Package publisher pushes fresh dashboards to delivery sinks after ingestion.
//
// Notify is called on the write path and never blocks: notifications arriving
// while a publication is pending collapse into one. A single Run loop
// recomputes the configured scope through the dashboard service (and so its
// cache and single-flight) and hands the result to every sink.
package publisher

import (
	"context"
	"time"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/logger"
	"github.com/rewired-gh/linewatch/internal/models"
)

// Sink receives dashboards for broadcast.
type Sink interface {
	OnDashboardChanged(ctx context.Context, d *dashboard.Dashboard) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, d *dashboard.Dashboard) error

// OnDashboardChanged calls f.
func (f SinkFunc) OnDashboardChanged(ctx context.Context, d *dashboard.Dashboard) error {
	return f(ctx, d)
}

// Source computes dashboards.
type Source interface {
	Get(ctx context.Context, scope dashboard.Scope) (*dashboard.Dashboard, error)
}

// Publisher coalesces change notifications into dashboard publications.
type Publisher struct {
	source  Source
	scope   dashboard.Scope
	timeout time.Duration
	sinks   []Sink
	signal  chan struct{}
}

// New creates a publisher for scope. Each publication is bounded by timeout.
func New(source Source, scope dashboard.Scope, timeout time.Duration, sinks ...Sink) *Publisher {
	return &Publisher{
		source:  source,
		scope:   scope,
		timeout: timeout,
		sinks:   sinks,
		signal:  make(chan struct{}, 1),
	}
}

// Scope returns the scope this publisher recomputes.
func (p *Publisher) Scope() dashboard.Scope {
	return p.scope
}

// Affects reports whether a snapshot of propType can change the published
// dashboard.
func (p *Publisher) Affects(propType models.PropType) bool {
	return p.scope.PropType.Matches(propType)
}

// Notify schedules a publication. It never blocks.
func (p *Publisher) Notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run publishes on every notification until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.signal:
			p.publish(ctx)
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	d, err := p.source.Get(ctx, p.scope)
	if err != nil {
		logger.Warn("Failed to recompute dashboard %s for publication: %v", p.scope, err)
		return
	}
	for _, sink := range p.sinks {
		if err := sink.OnDashboardChanged(ctx, d); err != nil {
			logger.Warn("Dashboard sink failed: %v", err)
		}
	}
	logger.Debug("Published dashboard %s to %d sink(s): items=%d", p.scope, len(p.sinks), d.Total)
}
