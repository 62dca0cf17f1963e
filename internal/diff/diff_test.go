package diff

import (
	"math"
	"testing"

	"paywatch/internal/model"
)

func snap(total int, medians map[model.Grade]float64) model.SnapshotData {
	d := model.SnapshotData{Grades: map[model.Grade]model.GradeStat{}, TotalCount: total}
	for g, m := range medians {
		d.Grades[g] = model.GradeStat{Median: m, Average: m}
	}
	return d
}

func TestCompareThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		old, next   float64
		wantPercent float64
		wantChanged bool
	}{
		{name: "two percent rise", old: 500_000, next: 510_000, wantPercent: 2.0, wantChanged: true},
		{name: "below threshold", old: 500_000, next: 503_000, wantPercent: 0.6, wantChanged: false},
		{name: "one percent drop", old: 500_000, next: 495_000, wantPercent: -1.0, wantChanged: true},
		{name: "unchanged", old: 500_000, next: 500_000, wantPercent: 0, wantChanged: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := snap(100, map[model.Grade]float64{model.GradeSenior: tt.old})
			next := snap(100, map[model.Grade]float64{model.GradeSenior: tt.next})

			res := Compare(next, &prev)
			d := res.Delta(model.GradeSenior)
			if !d.HasDelta {
				t.Fatal("expected a computed delta")
			}
			if math.Abs(d.Percent-tt.wantPercent) > 0.01 {
				t.Fatalf("Percent = %.3f, want %.3f", d.Percent, tt.wantPercent)
			}
			if d.Material != tt.wantChanged {
				t.Fatalf("Material = %v, want %v", d.Material, tt.wantChanged)
			}
			if res.HasMaterialChange != tt.wantChanged {
				t.Fatalf("HasMaterialChange = %v, want %v", res.HasMaterialChange, tt.wantChanged)
			}
		})
	}
}

func TestCompareFirstSnapshot(t *testing.T) {
	t.Parallel()
	next := snap(10, map[model.Grade]float64{model.GradeJunior: 65_000})

	res := Compare(next, nil)
	if !res.HasMaterialChange {
		t.Fatal("first-ever snapshot must always be material")
	}
	if !res.FirstSnapshot {
		t.Fatal("expected FirstSnapshot")
	}
	if d := res.Delta(model.GradeJunior); d.HasDelta {
		t.Fatal("first snapshot must not carry deltas")
	}
}

func TestCompareEmptyPreviousActsAsFirst(t *testing.T) {
	t.Parallel()
	prev := snap(0, nil)
	next := snap(10, map[model.Grade]float64{model.GradeJunior: 65_000})

	res := Compare(next, &prev)
	if !res.HasMaterialChange || !res.FirstSnapshot {
		t.Fatalf("zero-sample previous must behave like no previous: %+v", res)
	}
}

func TestCompareGradeAppears(t *testing.T) {
	t.Parallel()
	prev := snap(50, map[model.Grade]float64{model.GradeJunior: 60_000})
	next := snap(60, map[model.Grade]float64{
		model.GradeJunior: 60_000,
		model.GradeMiddle: 120_000, // new bucket, nothing to compare
	})

	res := Compare(next, &prev)
	if d := res.Delta(model.GradeMiddle); d.HasDelta || d.Material {
		t.Fatalf("a newly appearing grade has no delta: %+v", d)
	}
	if res.HasMaterialChange {
		t.Fatal("appearance alone is not a material change")
	}
}

func TestCompareNonPositiveOldValue(t *testing.T) {
	t.Parallel()
	prev := snap(5, map[model.Grade]float64{model.GradeLead: 0})
	next := snap(5, map[model.Grade]float64{model.GradeLead: 300_000})

	res := Compare(next, &prev)
	if d := res.Delta(model.GradeLead); d.HasDelta {
		t.Fatal("non-positive old value must not produce a delta")
	}
}
