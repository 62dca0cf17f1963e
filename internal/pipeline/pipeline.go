// Package pipeline drives one notification pass over all active
// subscriptions: aggregate, diff against history, apply the notification
// policy, render, deliver and commit.
package pipeline

import (
	"context"
	"sync"
	"time"

	"paywatch/internal/model"
	"paywatch/internal/render"
	"paywatch/internal/telegram"
	"paywatch/pkg/logx"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error)
	LatestSnapshot(ctx context.Context, subID int64) (model.SnapshotRecord, error)
	LastDeliveredAt(ctx context.Context, subID int64) (time.Time, bool, error)
	UpdateChatID(ctx context.Context, id, chatID int64) error
	CommitDelivery(ctx context.Context, subID int64, prevID *int64, data model.SnapshotData, chatID int64, message string) (model.SnapshotRecord, error)
}

// Source produces the aggregated snapshot for a subscription's filter.
type Source interface {
	Snapshot(ctx context.Context, categories []string, asOf time.Time) (model.SnapshotData, error)
}

// Gateway delivers a rendered report to a chat.
type Gateway interface {
	Send(ctx context.Context, chatID int64, msg render.Message) telegram.Result
}

type Config struct {
	Workers int
	BaseURL string
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	source  Source
	gateway Gateway
	log     logx.Logger

	now func() time.Time
}

func New(cfg Config, store Store, source Source, gateway Gateway, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		source:  source,
		gateway: gateway,
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps pass tunables at runtime; the next pass picks them up.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) snapshotCfg() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return cfg
}

// ProcessAll runs one pass and returns the number of subscriptions
// successfully notified. A failing subscription never aborts the pass;
// failures are accumulated into the pass report and logged. Cancelling ctx
// stops new subscription work while in-flight sends finish cleanly.
func (s *Service) ProcessAll(ctx context.Context, correlationID string) int {
	start := s.now()
	cfg := s.snapshotCfg()
	log := s.log.With(logx.String("pass", correlationID))

	subs, err := s.store.ActiveSubscriptions(ctx)
	if err != nil {
		log.Error("pass aborted: cannot list subscriptions", logx.Err(err))
		return 0
	}
	if len(subs) == 0 {
		log.Debug("no active subscriptions")
		return 0
	}

	rep := newReport()

	// Each subscription is enqueued exactly once per pass, so no two workers
	// ever touch the same history chain concurrently.
	queue := make(chan model.Subscription)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range queue {
				// stop-wins: don't start new work after cancel
				select {
				case <-ctx.Done():
					rep.skip("cancelled")
					continue
				default:
				}
				s.processOne(ctx, cfg, log, sub, rep)
			}
		}()
	}

feed:
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			break feed
		case queue <- sub:
		}
	}
	close(queue)
	wg.Wait()

	sent, skipped, failures := rep.totals()
	fields := []logx.Field{
		logx.Int("subscriptions", len(subs)),
		logx.Int("sent", sent),
		logx.Int("skipped", skipped),
		logx.Int("failed", len(failures)),
		logx.Duration("dur", s.now().Sub(start)),
	}
	if len(failures) > 0 {
		log.Warn("pass finished with failures", fields...)
		for _, f := range failures {
			log.Warn("subscription failed",
				logx.Int64("subscription", f.SubscriptionID),
				logx.String("stage", f.Stage), logx.Err(f.Err))
		}
	} else {
		log.Info("pass finished", fields...)
	}
	return sent
}
