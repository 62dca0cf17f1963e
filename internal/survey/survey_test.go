package survey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"paywatch/internal/model"
	"paywatch/internal/storage"
	"paywatch/pkg/logx"
)

func openSource(t *testing.T) (*SQLSource, *storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "survey.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewSQLSource(st.DB()), st
}

func seed(t *testing.T, st *storage.Store, category string, grade model.Grade, at time.Time, salaries ...float64) {
	t.Helper()
	for _, s := range salaries {
		_, err := st.DB().Exec(
			`INSERT INTO survey_responses(category, grade, salary, submitted_at) VALUES(?,?,?,?)`,
			category, string(grade), s, at.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			t.Fatalf("seed response: %v", err)
		}
	}
}

func TestSnapshotMedianAndAverage(t *testing.T) {
	src, st := openSource(t)
	now := time.Now()

	seed(t, st, "go", model.GradeSenior, now.Add(-time.Hour), 400_000, 500_000, 600_000)
	seed(t, st, "go", model.GradeJunior, now.Add(-time.Hour), 60_000, 70_000)

	data, err := src.Snapshot(context.Background(), []string{"go"}, now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if data.TotalCount != 5 {
		t.Fatalf("TotalCount = %d, want 5", data.TotalCount)
	}
	if gs := data.Grades[model.GradeSenior]; gs.Median != 500_000 || gs.Average != 500_000 {
		t.Fatalf("senior stats = %+v", gs)
	}
	// Even count: median is the mean of the two middle values.
	if gs := data.Grades[model.GradeJunior]; gs.Median != 65_000 {
		t.Fatalf("junior median = %v, want 65000", gs.Median)
	}
}

func TestSnapshotFiltersByCategory(t *testing.T) {
	src, st := openSource(t)
	now := time.Now()

	seed(t, st, "go", model.GradeSenior, now.Add(-time.Hour), 500_000)
	seed(t, st, "java", model.GradeSenior, now.Add(-time.Hour), 900_000)

	data, err := src.Snapshot(context.Background(), []string{"go"}, now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if data.TotalCount != 1 {
		t.Fatalf("TotalCount = %d, want only the go response", data.TotalCount)
	}
	if gs := data.Grades[model.GradeSenior]; gs.Median != 500_000 {
		t.Fatalf("category filter leaked: %+v", gs)
	}
}

func TestSnapshotAsOfExcludesLaterResponses(t *testing.T) {
	src, st := openSource(t)
	now := time.Now()

	seed(t, st, "go", model.GradeSenior, now.Add(-48*time.Hour), 500_000)
	seed(t, st, "go", model.GradeSenior, now, 900_000)

	data, err := src.Snapshot(context.Background(), []string{"go"}, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if data.TotalCount != 1 || data.Grades[model.GradeSenior].Median != 500_000 {
		t.Fatalf("as-of filter failed: %+v", data)
	}
}

func TestSnapshotEmpty(t *testing.T) {
	src, _ := openSource(t)

	data, err := src.Snapshot(context.Background(), []string{"go"}, time.Now())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !data.Empty() || len(data.Grades) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", data)
	}
}
