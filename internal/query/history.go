package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RecentGapCount counts how many complete runs in the trailing window
// listed the principle as a gap.
func (s *Service) RecentGapCount(ctx context.Context, principleID string, days int) (int, error) {
	var count int
	err := s.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*)
		FROM traces
		WHERE $1 = ANY(gap_principles)
		  AND started_at > NOW() - make_interval(days => $2)
		  AND status = 'complete'`,
		principleID, days,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query: recent gap count for %s: %w", principleID, err)
	}
	return count, nil
}

// IntentAvgScore returns the average quality score across complete
// runs with the given intent, or nil when no such run has a score.
func (s *Service) IntentAvgScore(ctx context.Context, intent string) (*float64, error) {
	return s.avgScoreWhere(ctx, "intent = $1 AND status = 'complete'", intent)
}

// DomainAvgScore returns the average quality score across complete
// runs with the given domain.
func (s *Service) DomainAvgScore(ctx context.Context, domain string) (*float64, error) {
	return s.avgScoreWhere(ctx, "domain = $1 AND status = 'complete'", domain)
}

// OverallAvgScore returns the average quality score across all
// complete runs.
func (s *Service) OverallAvgScore(ctx context.Context) (*float64, error) {
	var avg *float64
	err := s.db.Pool().QueryRow(ctx, `
		SELECT AVG(overall_quality_score)
		FROM traces
		WHERE status = 'complete' AND overall_quality_score IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query: overall avg score: %w", err)
	}
	return avg, nil
}

func (s *Service) avgScoreWhere(ctx context.Context, where string, arg any) (*float64, error) {
	var avg *float64
	err := s.db.Pool().QueryRow(ctx, `
		SELECT AVG(overall_quality_score)
		FROM traces
		WHERE `+where+` AND overall_quality_score IS NOT NULL`,
		arg,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query: avg score: %w", err)
	}
	return avg, nil
}

// PreviousRun is the prior-run lookup result used by the regression
// check.
type PreviousRun struct {
	TraceID             string
	QualityGatePassed   *bool
	OverallQualityScore *float64
}

// PreviousTraceForProject returns the most recent complete run for the
// project strictly before the given instant, or nil when none exists.
func (s *Service) PreviousTraceForProject(ctx context.Context, projectID string, before time.Time) (*PreviousRun, error) {
	var prev PreviousRun
	err := s.db.Pool().QueryRow(ctx, `
		SELECT trace_id, quality_gate_passed, overall_quality_score
		FROM traces
		WHERE project_id = $1::uuid AND status = 'complete' AND started_at < $2
		ORDER BY started_at DESC
		LIMIT 1`,
		projectID, before,
	).Scan(&prev.TraceID, &prev.QualityGatePassed, &prev.OverallQualityScore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: previous trace for project %s: %w", projectID, err)
	}
	return &prev, nil
}
