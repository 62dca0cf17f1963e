// Package model holds the persistent entities of the notification pipeline:
// subscriptions, snapshot history records and delivery log entries.
package model

import "time"

// Regularity controls how often a subscription may be notified.
type Regularity string

const (
	RegularityWeekly  Regularity = "weekly"
	RegularityMonthly Regularity = "monthly"
)

// Grade is a seniority bucket of the survey data.
type Grade string

const (
	GradeJunior Grade = "junior"
	GradeMiddle Grade = "middle"
	GradeSenior Grade = "senior"
	GradeLead   Grade = "lead"
)

// GradeOrder is the stable rendering/iteration order for grade buckets.
var GradeOrder = []Grade{GradeJunior, GradeMiddle, GradeSenior, GradeLead}

// Label returns the human label used in reports.
func (g Grade) Label() string {
	switch g {
	case GradeJunior:
		return "Junior"
	case GradeMiddle:
		return "Middle"
	case GradeSenior:
		return "Senior"
	case GradeLead:
		return "Lead"
	}
	return string(g)
}

// Subscription is a standing configuration describing what survey slice to
// watch, how often, and which Telegram chat to deliver reports to.
//
// Subscriptions are never hard-deleted; DeletedAt marks them inactive so the
// snapshot chain and delivery log stay intact.
type Subscription struct {
	ID                  int64
	Name                string
	ChatID              int64 // mutable: updated in place on chat migration
	Categories          []string
	Regularity          Regularity
	SuppressIfUnchanged bool
	UseEnrichedAnalysis bool
	CreatedAt           time.Time
	DeletedAt           *time.Time
}

// Active reports whether the subscription should be processed.
func (s Subscription) Active() bool { return s.DeletedAt == nil }

// GradeStat holds the aggregated salary statistics of one grade bucket.
type GradeStat struct {
	Median  float64 `json:"median"`
	Average float64 `json:"average"`
}

// SnapshotData is one immutable aggregated measurement of the watched data.
// Diffing is by value.
type SnapshotData struct {
	Grades     map[Grade]GradeStat `json:"grades"`
	TotalCount int                 `json:"total_count"`
}

// Median returns the median for a grade and whether the grade is present.
func (d SnapshotData) Median(g Grade) (float64, bool) {
	st, ok := d.Grades[g]
	return st.Median, ok
}

// Empty reports whether the snapshot carries no samples at all.
func (d SnapshotData) Empty() bool { return d.TotalCount == 0 }

// SnapshotRecord is one node of a subscription's history chain. PrevID is nil
// only for the first record of a subscription. Records are only ever appended.
type SnapshotRecord struct {
	ID             int64
	SubscriptionID int64
	PrevID         *int64
	Data           SnapshotData
	CreatedAt      time.Time
}

// DeliveryLogEntry records one successfully delivered report. The entry with
// the maximum CreatedAt per subscription is "last sent".
type DeliveryLogEntry struct {
	ID             int64
	SubscriptionID int64
	ChatID         int64 // the chat the message actually went to
	Message        string
	CreatedAt      time.Time
}
