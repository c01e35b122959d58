package domain

import "time"

const (
	ReportDeposit  = "deposit"
	ReportWithdraw = "withdraw"
)

// ReportTimeZone is the zone month keys are computed in.
const ReportTimeZone = "Asia/Bangkok"

// Report is one submitted sales report.
type Report struct {
	ID        string
	Branch    string
	Amount    float64
	Type      string
	MediaRef  string
	UserID    string
	CreatedAt time.Time
	MonthKey  string
}

// ReportSummary is the reply computed after a report is saved.
type ReportSummary struct {
	Branch      string
	Latest      float64
	Accumulated float64
	Goal        float64
}

// Remaining is what is left before the goal is reached, never negative.
func (s ReportSummary) Remaining() float64 {
	if s.Accumulated >= s.Goal {
		return 0
	}
	return s.Goal - s.Accumulated
}

// MonthKey formats t as yyyy-MM in loc.
func MonthKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01")
}

// Signed returns the report amount with withdrawals negated.
func (r Report) Signed() float64 {
	if r.Type == ReportWithdraw {
		return -r.Amount
	}
	return r.Amount
}
