package health

import (
	"context"
	"time"

	"llmstream/internal/stream"
	"llmstream/middleware"
)

// Reporter exposes the streaming manager's diagnostics.
type Reporter interface {
	Health() stream.Health
}

// Report is the body of a health check.
type Report struct {
	Status   string        `json:"status"`
	Database string        `json:"database"`
	Stream   stream.Health `json:"stream"`
}

type Service struct {
	repo     *Repository
	reporter Reporter
	interval time.Duration
}

// NewService creates a health service. interval paces /health/stream.
func NewService(repo *Repository, reporter Reporter, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Service{
		repo:     repo,
		reporter: reporter,
		interval: interval,
	}
}

// CheckHealth pings the database and reads the manager statistics. The
// overall status is the pool status unless the database is down.
func (s *Service) CheckHealth(ctx context.Context) Report {
	report := Report{Database: "ok"}
	if err := s.repo.Ping(ctx); err != nil {
		report.Database = "error"
	}

	report.Stream = s.reporter.Health()
	report.Status = report.Stream.Status
	if report.Database != "ok" {
		report.Status = stream.StatusDegraded
	}
	return report
}

// CheckHealthStream emits a "health" event immediately and then every
// interval until ctx is done.
func (s *Service) CheckHealthStream(ctx context.Context) <-chan middleware.StreamEvent {
	events := make(chan middleware.StreamEvent, 1)
	go func() {
		defer close(events)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case events <- middleware.StreamEvent{Event: "health", Data: s.CheckHealth(ctx)}:
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}
