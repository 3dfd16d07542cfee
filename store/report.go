package store

import (
	"context"
)

// ReportDirection records whether a report arrived from federation or was
// filed locally.
type ReportDirection string

const (
	ReportDirectionInbound  ReportDirection = "inbound"
	ReportDirectionOutbound ReportDirection = "outbound"
)

// Report is the audit row behind a Flag activity in either direction.
type Report struct {
	ID          int64
	ReporterID  int64
	TargetID    int64
	FedObjectID *string
	Reason      string
	Direction   ReportDirection
	CreatedTs   int64
}

type FindReport struct {
	ID        *int64
	TargetID  *int64
	Direction *ReportDirection
	Limit     *int
}

func (s *Store) CreateReport(ctx context.Context, create *Report) (*Report, error) {
	return s.driver.CreateReport(ctx, create)
}

func (s *Store) ListReports(ctx context.Context, find *FindReport) ([]*Report, error) {
	return s.driver.ListReports(ctx, find)
}
