package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"paywatch/internal/model"
	"paywatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

var ErrNotFound = errors.New("storage: not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the SQLite-backed persistence layer. The underlying connection is
// restricted to a single writer, so all appends are serialized at this level
// regardless of how many pipeline workers are running.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for collaborators living on the same database
// (the survey aggregator).
func (s *Store) DB() *sql.DB { return s.db }

// ---- subscriptions ----

const subscriptionColumns = `id, name, chat_id, categories, regularity,
	suppress_if_unchanged, use_enriched_analysis, created_at, deleted_at`

// CreateSubscription inserts a new subscription and returns its ID.
func (s *Store) CreateSubscription(ctx context.Context, sub model.Subscription) (int64, error) {
	cats, err := json.Marshal(sub.Categories)
	if err != nil {
		return 0, fmt.Errorf("marshal categories: %w", err)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(name, chat_id, categories, regularity,
			suppress_if_unchanged, use_enriched_analysis, created_at, deleted_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		sub.Name, sub.ChatID, string(cats), string(sub.Regularity),
		sub.SuppressIfUnchanged, sub.UseEnrichedAnalysis,
		formatTime(sub.CreatedAt), nullTime(sub.DeletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("create subscription: %w", err)
	}
	return res.LastInsertId()
}

// ActiveSubscriptions returns all subscriptions without a soft-delete mark.
func (s *Store) ActiveSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// Subscription returns one subscription by ID, soft-deleted or not.
func (s *Store) Subscription(ctx context.Context, id int64) (model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return sub, err
}

// SetSubscriptionActive clears or sets the soft-delete mark. Subscriptions are
// never hard-deleted: the history chain and ledger must stay intact.
func (s *Store) SetSubscriptionActive(ctx context.Context, id int64, active bool) error {
	var deletedAt any
	if !active {
		deletedAt = formatTime(time.Now())
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET deleted_at = ? WHERE id = ?`, deletedAt, id)
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChatID permanently repoints a subscription after a chat migration.
func (s *Store) UpdateChatID(ctx context.Context, id, chatID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET chat_id = ? WHERE id = ?`, chatID, id)
	if err != nil {
		return fmt.Errorf("update chat id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (model.Subscription, error) {
	var (
		sub       model.Subscription
		cats      string
		reg       string
		createdAt string
		deletedAt sql.NullString
	)
	err := r.Scan(&sub.ID, &sub.Name, &sub.ChatID, &cats, &reg,
		&sub.SuppressIfUnchanged, &sub.UseEnrichedAnalysis, &createdAt, &deletedAt)
	if err != nil {
		return model.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(cats), &sub.Categories); err != nil {
		return model.Subscription{}, fmt.Errorf("unmarshal categories: %w", err)
	}
	sub.Regularity = model.Regularity(reg)
	sub.CreatedAt = parseTime(createdAt)
	if deletedAt.Valid {
		t := parseTime(deletedAt.String)
		sub.DeletedAt = &t
	}
	return sub, nil
}

// ---- snapshot history chain ----

// LatestSnapshot returns the most recently appended record of a subscription's
// chain, or ErrNotFound when the chain is empty. Appends are monotonic, so the
// max rowid is the chain head; no reference walking is needed.
func (s *Store) LatestSnapshot(ctx context.Context, subID int64) (model.SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, subscription_id, prev_id, data, created_at
		 FROM snapshots WHERE subscription_id = ? ORDER BY id DESC LIMIT 1`, subID)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SnapshotRecord{}, ErrNotFound
	}
	return rec, err
}

// SnapshotHistory returns the full chain of a subscription, newest first.
// Read-only surface for reporting and charts.
func (s *Store) SnapshotHistory(ctx context.Context, subID int64) ([]model.SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, prev_id, data, created_at
		 FROM snapshots WHERE subscription_id = ? ORDER BY id DESC`, subID)
	if err != nil {
		return nil, fmt.Errorf("snapshot history: %w", err)
	}
	defer rows.Close()

	var recs []model.SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanSnapshot(r rowScanner) (model.SnapshotRecord, error) {
	var (
		rec       model.SnapshotRecord
		prevID    sql.NullInt64
		data      string
		createdAt string
	)
	if err := r.Scan(&rec.ID, &rec.SubscriptionID, &prevID, &data, &createdAt); err != nil {
		return model.SnapshotRecord{}, err
	}
	if prevID.Valid {
		v := prevID.Int64
		rec.PrevID = &v
	}
	if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("unmarshal snapshot data: %w", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, nil
}

// ---- delivery ledger ----

// LastDeliveredAt returns the timestamp of the newest ledger entry for a
// subscription. ok is false when nothing has ever been sent. The ledger is
// append-only, so the max rowid is the newest entry.
func (s *Store) LastDeliveredAt(ctx context.Context, subID int64) (time.Time, bool, error) {
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM deliveries WHERE subscription_id = ? ORDER BY id DESC LIMIT 1`,
		subID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last delivered at: %w", err)
	}
	return parseTime(createdAt), true, nil
}

// Deliveries returns the ledger of a subscription, newest first.
func (s *Store) Deliveries(ctx context.Context, subID int64) ([]model.DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, chat_id, message, created_at
		 FROM deliveries WHERE subscription_id = ? ORDER BY id DESC`, subID)
	if err != nil {
		return nil, fmt.Errorf("deliveries: %w", err)
	}
	defer rows.Close()

	var entries []model.DeliveryLogEntry
	for rows.Next() {
		var (
			e         model.DeliveryLogEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.ChatID, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CommitDelivery appends the snapshot record and the ledger entry in one
// transaction. prevID links the new record to the current chain head (nil for
// the first record). Called only after the gateway confirmed the send.
func (s *Store) CommitDelivery(ctx context.Context, subID int64, prevID *int64, data model.SnapshotData, chatID int64, message string) (model.SnapshotRecord, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("marshal snapshot data: %w", err)
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev any
	if prevID != nil {
		prev = *prevID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(subscription_id, prev_id, data, created_at) VALUES(?,?,?,?)`,
		subID, prev, string(blob), formatTime(now),
	)
	if err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("append snapshot: %w", err)
	}
	snapID, err := res.LastInsertId()
	if err != nil {
		return model.SnapshotRecord{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries(subscription_id, chat_id, message, created_at) VALUES(?,?,?,?)`,
		subID, chatID, message, formatTime(now),
	); err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("append delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.SnapshotRecord{}, fmt.Errorf("commit delivery: %w", err)
	}

	return model.SnapshotRecord{
		ID:             snapID,
		SubscriptionID: subID,
		PrevID:         prevID,
		Data:           data,
		CreatedAt:      now,
	}, nil
}

// ---- helpers ----

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
