// Package policy decides, once per pass and per subscription, whether a
// report should be sent now or skipped.
package policy

import (
	"fmt"
	"time"

	"paywatch/internal/model"
)

// CadenceFloor is the minimum time that must elapse before a subscription may
// be notified again regardless of change. It also caps silence: a weekly
// subscription with nothing to report is still pinged once the floor elapses,
// because long silence is indistinguishable from a broken pipeline.
const CadenceFloor = 24 * 24 * time.Hour

type Decision int

const (
	Skip Decision = iota
	Send
)

func (d Decision) String() string {
	if d == Send {
		return "send"
	}
	return "skip"
}

// Input is everything the policy looks at.
type Input struct {
	Regularity          model.Regularity
	SuppressIfUnchanged bool
	HasMaterialChange   bool
	TotalCount          int
	LastSentAt          time.Time
	HasLastSent         bool // false when nothing was ever delivered
	Now                 time.Time
}

// Decide evaluates the rules in order. The returned reason names the rule
// that fired, for the pass report. An unknown regularity is a configuration
// contradiction and yields an error (the caller logs and skips).
func Decide(in Input) (Decision, string, error) {
	switch in.Regularity {
	case model.RegularityWeekly, model.RegularityMonthly:
	default:
		return Skip, "policy_violation", fmt.Errorf("unknown regularity %q", in.Regularity)
	}

	if in.TotalCount == 0 {
		return Skip, "empty_snapshot", nil
	}

	sinceLast := infSince(in)

	if in.Regularity == model.RegularityMonthly && sinceLast < CadenceFloor {
		return Skip, "monthly_floor", nil
	}

	if in.Regularity == model.RegularityWeekly &&
		in.SuppressIfUnchanged && !in.HasMaterialChange && sinceLast < CadenceFloor {
		return Skip, "weekly_unchanged", nil
	}

	return Send, "due", nil
}

// infSince returns the time since the last successful delivery, or a value
// larger than any floor when nothing was ever sent.
func infSince(in Input) time.Duration {
	if !in.HasLastSent {
		return time.Duration(1<<63 - 1)
	}
	return in.Now.Sub(in.LastSentAt)
}
