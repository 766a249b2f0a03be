package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventRepository defines the data access contract for security events.
type EventRepository interface {
	// Log inserts a new security event.
	Log(ctx context.Context, event *Event) error

	// ListByUser returns an identity's most recent events, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Event, error)

	// CountRecentByIP returns the number of events of one type from an IP
	// within the given window. Useful for brute-force detection.
	CountRecentByIP(ctx context.Context, ip, eventType string, since time.Duration) (int, error)
}

// eventRepository implements EventRepository with MariaDB.
type eventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new repository backed by the given DB pool.
func NewEventRepository(db *sql.DB) EventRepository {
	return &eventRepository{db: db}
}

// Log inserts a new security event. Details are serialized to JSON.
func (r *eventRepository) Log(ctx context.Context, event *Event) error {
	query := `INSERT INTO security_events (event_type, user_id, ip_address, user_agent, details, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	var detailsJSON []byte
	if event.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("marshaling event details: %w", err)
		}
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// NULL for empty user IDs (failed logins against unknown emails).
	var userID any
	if event.UserID != "" {
		userID = event.UserID
	}

	result, err := r.db.ExecContext(ctx, query,
		event.EventType, userID, event.IPAddress, event.UserAgent,
		detailsJSON, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}

	id, _ := result.LastInsertId()
	event.ID = id
	return nil
}

// ListByUser returns the identity's recent events, newest first.
func (r *eventRepository) ListByUser(ctx context.Context, userID string, limit int) ([]Event, error) {
	query := `SELECT id, event_type, COALESCE(user_id, ''), ip_address,
	                 COALESCE(user_agent, ''), details, created_at
	          FROM security_events
	          WHERE user_id = ?
	          ORDER BY created_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detailsRaw []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.UserID, &e.IPAddress, &e.UserAgent, &detailsRaw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &e.Details); err != nil {
				return nil, fmt.Errorf("decoding event details: %w", err)
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// CountRecentByIP counts events of one type from an IP inside the window.
func (r *eventRepository) CountRecentByIP(ctx context.Context, ip, eventType string, since time.Duration) (int, error) {
	query := `SELECT COUNT(*) FROM security_events
	          WHERE ip_address = ? AND event_type = ? AND created_at > ?`

	var count int
	cutoff := time.Now().UTC().Add(-since)
	if err := r.db.QueryRowContext(ctx, query, ip, eventType, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting events by ip: %w", err)
	}

	return count, nil
}
