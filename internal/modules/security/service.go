package security

import (
	"context"
	"log/slog"
	"time"
)

// Failed-login volume from a single IP that triggers an operator warning.
// The per-account lockout still applies; this catches sprays across many
// accounts that never trip any single counter.
const (
	bruteForceThreshold = 20
	bruteForceWindow    = 10 * time.Minute
)

// Recorder is the interface the auth module uses to append to an identity's
// security timeline. Failures are logged, never propagated -- history must
// not break logins.
type Recorder interface {
	Record(ctx context.Context, eventType, userID, ip, userAgent string, details map[string]any)
}

// recorder implements Recorder on top of the event repository.
type recorder struct {
	repo EventRepository
}

// NewRecorder creates a fire-and-forget event recorder.
func NewRecorder(repo EventRepository) Recorder {
	return &recorder{repo: repo}
}

// Record persists the event, swallowing (but logging) any storage error.
func (s *recorder) Record(ctx context.Context, eventType, userID, ip, userAgent string, details map[string]any) {
	event := &Event{
		EventType: eventType,
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   details,
	}

	if err := s.repo.Log(ctx, event); err != nil {
		slog.Error("failed to record security event",
			slog.String("event_type", eventType),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
		return
	}

	if eventType == EventLoginFailed && ip != "" {
		s.checkBruteForce(ctx, ip)
	}
}

// checkBruteForce warns when one IP accumulates failed logins across many
// accounts inside the window. Detection only; blocking stays with the rate
// limiter and the per-account lockout.
func (s *recorder) checkBruteForce(ctx context.Context, ip string) {
	count, err := s.repo.CountRecentByIP(ctx, ip, EventLoginFailed, bruteForceWindow)
	if err != nil {
		slog.Error("failed to count events by ip", slog.Any("error", err))
		return
	}
	if count >= bruteForceThreshold {
		slog.Warn("possible credential stuffing",
			slog.String("ip", ip),
			slog.Int("failed_logins", count),
			slog.Duration("window", bruteForceWindow),
		)
	}
}
