// Package survey produces aggregated snapshots from raw survey responses.
//
// The pipeline only depends on the Source interface; SQLSource is the
// reference implementation over the survey_responses table and can be swapped
// for an external aggregation service without touching the pipeline.
package survey

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"paywatch/internal/model"
)

// Source yields one aggregated snapshot for a set of category filters as of a
// given time. asOf in the past supports backfill.
type Source interface {
	Snapshot(ctx context.Context, categories []string, asOf time.Time) (model.SnapshotData, error)
}

// SQLSource aggregates directly from the survey_responses table.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) Snapshot(ctx context.Context, categories []string, asOf time.Time) (model.SnapshotData, error) {
	query := `SELECT grade, salary FROM survey_responses WHERE submitted_at <= ?`
	args := []any{asOf.UTC().Format(time.RFC3339Nano)}

	if len(categories) > 0 {
		query += ` AND category IN (` + placeholders(len(categories)) + `)`
		for _, c := range categories {
			args = append(args, c)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.SnapshotData{}, fmt.Errorf("aggregate responses: %w", err)
	}
	defer rows.Close()

	salaries := make(map[model.Grade][]float64)
	total := 0
	for rows.Next() {
		var (
			grade  string
			salary float64
		)
		if err := rows.Scan(&grade, &salary); err != nil {
			return model.SnapshotData{}, err
		}
		g := model.Grade(grade)
		salaries[g] = append(salaries[g], salary)
		total++
	}
	if err := rows.Err(); err != nil {
		return model.SnapshotData{}, err
	}

	data := model.SnapshotData{
		Grades:     make(map[model.Grade]model.GradeStat, len(salaries)),
		TotalCount: total,
	}
	for g, vals := range salaries {
		data.Grades[g] = model.GradeStat{
			Median:  median(vals),
			Average: average(vals),
		}
	}
	return data, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func average(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
