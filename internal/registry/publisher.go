package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultPublishInterval is the minimum spacing between published snapshots.
const DefaultPublishInterval = 300 * time.Millisecond

// Publisher samples the registry after changes and fans snapshots out to subscribers.
// At most one snapshot is published per interval; subscribers that fall behind
// only ever see the latest one.
type Publisher struct {
	reg     *Registry
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	latest Snapshot
}

// NewPublisher creates a publisher for reg. A non-positive interval uses DefaultPublishInterval.
func NewPublisher(reg *Registry, interval time.Duration, logger *zap.Logger) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{
		reg:     reg,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
		subs:    make(map[int]chan Snapshot),
	}
}

// Subscribe returns a channel of snapshots and a function that unsubscribes.
// The most recent snapshot, if any, is delivered immediately.
func (p *Publisher) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	if p.latest != nil {
		ch <- p.latest
	}
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
}

// Latest returns the last published snapshot, or nil before the first publish.
func (p *Publisher) Latest() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Run publishes until ctx is done. It always returns nil.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.reg.Changes():
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		p.publish(p.reg.Snapshot())
	}
}

func (p *Publisher) publish(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = snap
	for _, ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
	if p.logger != nil {
		p.logger.Debug("published state", zap.Int("workspaces", len(snap)), zap.Int("subscribers", len(p.subs)))
	}
}
