package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paywatch/internal/diff"
	"paywatch/internal/model"
	"paywatch/internal/policy"
	"paywatch/internal/render"
	"paywatch/internal/storage"
	"paywatch/internal/telegram"
	"paywatch/pkg/logx"
)

const (
	commitAttempts = 3
	commitBaseWait = 250 * time.Millisecond
	commitTimeout  = 5 * time.Second
)

// processOne runs the full chain for a single subscription. Nothing may
// escape this boundary: every failure is caught, reported and confined.
func (s *Service) processOne(ctx context.Context, cfg Config, log logx.Logger, sub model.Subscription, rep *report) {
	defer func() {
		if v := recover(); v != nil {
			rep.fail(sub.ID, "panic", fmt.Errorf("panic: %v", v))
		}
	}()

	slog := log.With(logx.Int64("subscription", sub.ID))

	data, err := s.source.Snapshot(ctx, sub.Categories, s.now())
	if err != nil {
		slog.Error("aggregation failed", logx.Err(err))
		rep.fail(sub.ID, "aggregate", err)
		return
	}

	var (
		prevData *model.SnapshotData
		prevID   *int64
	)
	latest, err := s.store.LatestSnapshot(ctx, sub.ID)
	switch {
	case err == nil:
		prevID = &latest.ID
		d := latest.Data
		prevData = &d
	case errors.Is(err, storage.ErrNotFound):
		// first-ever snapshot for this subscription
	default:
		slog.Error("history lookup failed", logx.Err(err))
		rep.fail(sub.ID, "storage", err)
		return
	}

	verdict := diff.Compare(data, prevData)

	lastAt, hasLast, err := s.store.LastDeliveredAt(ctx, sub.ID)
	if err != nil {
		slog.Error("ledger lookup failed", logx.Err(err))
		rep.fail(sub.ID, "storage", err)
		return
	}

	decision, reason, err := policy.Decide(policy.Input{
		Regularity:          sub.Regularity,
		SuppressIfUnchanged: sub.SuppressIfUnchanged,
		HasMaterialChange:   verdict.HasMaterialChange,
		TotalCount:          data.TotalCount,
		LastSentAt:          lastAt,
		HasLastSent:         hasLast,
		Now:                 s.now(),
	})
	if err != nil {
		slog.Error("policy violation", logx.Err(err))
		rep.fail(sub.ID, "policy", err)
		return
	}
	if decision == policy.Skip {
		// Skipped snapshots are not persisted: the chain only holds the
		// states that were actually reported, which keeps diffs meaningful.
		slog.Debug("skipped", logx.String("reason", reason))
		rep.skip(reason)
		return
	}

	msg := render.Build(sub, data, prevData, verdict, cfg.BaseURL)

	chatID := sub.ChatID
	res := s.gateway.Send(ctx, chatID, msg)
	if res.Status == telegram.StatusMigrated {
		// Repoint the subscription permanently before retrying, so a crash
		// between retry and commit still leaves the new chat ID on record.
		if err := s.store.UpdateChatID(ctx, sub.ID, res.MigratedTo); err != nil {
			slog.Error("chat migrated but repoint failed", logx.Err(err))
			rep.fail(sub.ID, "storage", err)
			return
		}
		slog.Info("chat migrated",
			logx.Int64("from", chatID), logx.Int64("to", res.MigratedTo))
		chatID = res.MigratedTo
		res = s.gateway.Send(ctx, chatID, msg)
	}

	if res.Status != telegram.StatusSent {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("delivery ended in state %s", res.Status)
		}
		slog.Warn("delivery failed", logx.Int64("chat_id", chatID), logx.Err(err))
		rep.fail(sub.ID, "deliver", err)
		return
	}

	if err := s.commitDelivered(sub.ID, prevID, data, chatID, msg.Text); err != nil {
		// The message IS out; losing the ledger entry risks a duplicate next
		// pass. This is the one failure worth shouting about.
		slog.Error("message sent but commit failed after retries", logx.Err(err))
		rep.fail(sub.ID, "commit", err)
		return
	}

	rep.markSent()
	slog.Info("report delivered", logx.Int64("chat_id", chatID),
		logx.Bool("first", verdict.FirstSnapshot),
		logx.Int("responses", data.TotalCount))
}

// commitDelivered appends history + ledger after a confirmed send. It runs on
// a detached context with bounded backoff: pass cancellation must not leave a
// sent message without its ledger record.
func (s *Service) commitDelivered(subID int64, prevID *int64, data model.SnapshotData, chatID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(commitBaseWait << (attempt - 1))
		}
		cctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		_, err := s.store.CommitDelivery(cctx, subID, prevID, data, chatID, text)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}
