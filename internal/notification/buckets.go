package notification

import (
	"time"

	"github.com/evolvi/scadenze-notifier/internal/domain"
)

// Policy holds the alerting thresholds. Boundary values default to the
// deployment policy (1 day / 3 days) but stay configurable.
type Policy struct {
	OneDayThreshold   int
	ThreeDayThreshold int
	ScanWindowDays    int
	DigestHorizonDays int
}

// DefaultPolicy returns the deployment defaults.
func DefaultPolicy() Policy {
	return Policy{
		OneDayThreshold:   1,
		ThreeDayThreshold: 3,
		ScanWindowDays:    15,
		DigestHorizonDays: 30,
	}
}

// classification is the outcome of mapping a deadline's remaining days onto
// the alert table.
type classification struct {
	Bucket   string
	Priority domain.Priority
	Urgency  string
}

// classify maps days remaining to a bucket and priority. The table is
// monotonic: tighter deadlines always classify at least as urgent as looser
// ones. Deadlines outside every threshold produce no immediate alert; the
// weekly digest covers them.
//
// Overdue deadlines re-bucket once per calendar day so they keep firing, one
// alert per day, until completed.
func (p Policy) classify(daysRemaining int, now time.Time) (classification, bool) {
	switch {
	case daysRemaining < 0:
		return classification{
			Bucket:   domain.OverdueBucket(now),
			Priority: domain.PriorityAlta,
			Urgency:  "SCADUTA",
		}, true
	case daysRemaining <= p.OneDayThreshold:
		return classification{
			Bucket:   domain.BucketOneDay,
			Priority: domain.PriorityAlta,
			Urgency:  "URGENTE",
		}, true
	case daysRemaining <= p.ThreeDayThreshold:
		return classification{
			Bucket:   domain.BucketThreeDay,
			Priority: domain.PriorityMedia,
			Urgency:  "IMPORTANTE",
		}, true
	default:
		return classification{}, false
	}
}

// allowedBySettings reports whether the user opted in to alerts for this
// bucket. Overdue alerts follow the 1-day toggle: a user who wants urgent
// alerts wants to hear about missed deadlines too.
func (c classification) allowedBySettings(s domain.NotificationSettings) bool {
	if !s.EmailEnabled {
		return false
	}
	switch c.Bucket {
	case domain.BucketThreeDay:
		return s.AlertThreeDay
	default:
		return s.AlertOneDay
	}
}
