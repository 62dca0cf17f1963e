// Package diff compares two consecutive snapshots of aggregated survey data
// and classifies the change per grade bucket and in aggregate.
package diff

import (
	"math"

	"paywatch/internal/model"
)

// ThresholdPercent is the material-change threshold. A grade whose median
// moved by at least this much (in either direction) flags the snapshot as
// materially changed.
const ThresholdPercent = 1.0

// GradeDelta is the comparison outcome for one grade bucket.
type GradeDelta struct {
	Grade model.Grade
	// Percent is the signed median delta relative to the previous snapshot.
	// Only meaningful when HasDelta is true.
	Percent  float64
	HasDelta bool
	Material bool
}

// Result is the aggregate verdict for a new snapshot.
type Result struct {
	Deltas map[model.Grade]GradeDelta
	// HasMaterialChange is true when any grade moved past the threshold, or
	// when there is nothing to compare against (a first report is always
	// worth sending).
	HasMaterialChange bool
	// FirstSnapshot is true when no usable previous snapshot exists.
	FirstSnapshot bool
}

// Delta returns the delta for a grade (zero value if the grade is absent).
func (r Result) Delta(g model.Grade) GradeDelta { return r.Deltas[g] }

// Compare classifies next against prev. prev may be nil (no history yet).
// A previous snapshot with zero samples carries no comparable values and is
// treated like no previous snapshot at all.
func Compare(next model.SnapshotData, prev *model.SnapshotData) Result {
	res := Result{Deltas: make(map[model.Grade]GradeDelta, len(next.Grades))}

	if prev == nil || prev.Empty() {
		res.FirstSnapshot = true
		res.HasMaterialChange = true
		for g := range next.Grades {
			res.Deltas[g] = GradeDelta{Grade: g}
		}
		return res
	}

	for g, st := range next.Grades {
		d := GradeDelta{Grade: g}
		if st.Median > 0 {
			if old, ok := prev.Grades[g]; ok && old.Median > 0 {
				d.Percent = (st.Median - old.Median) / old.Median * 100
				d.HasDelta = true
				d.Material = math.Abs(d.Percent) >= ThresholdPercent
			}
		}
		res.Deltas[g] = d
		if d.Material {
			res.HasMaterialChange = true
		}
	}
	return res
}
