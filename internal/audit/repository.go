// Package audit stores the lease event journal in SQLite.
//
// The journal is an audit trail only: lease state lives in memory and is
// rebuilt from the inventory service, never from these rows.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entry is one row of the lease event journal.
type Entry struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	LeaseID   string         `json:"lease_id,omitempty"`
	DeviceMAC string         `json:"device_mac"`
	Holder    string         `json:"holder,omitempty"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which entries to return. Zero fields do not filter.
type Filter struct {
	EventType string
	DeviceMAC string
	Holder    string
	LeaseID   string
	Since     time.Time
	Limit     int // default 50, max 500
	Offset    int
}

// ListResult is one page of journal entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the journal operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500

	// Timestamps are stored with fixed-width fractional seconds so that
	// lexical order in SQLite equals chronological order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteRepository reads and writes the lease_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "evt-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshalling event details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lease_events (id, event_type, lease_id, device_mac, holder, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EventType,
		nullableString(entry.LeaseID), entry.DeviceMAC, nullableString(entry.Holder),
		entry.Source, detailsJSON,
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting lease event: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so nullable TEXT columns
// store NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic query builder
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		conditions = append(conditions, cond)
		args = append(args, arg)
	}
	if filter.EventType != "" {
		add("event_type = ?", filter.EventType)
	}
	if filter.DeviceMAC != "" {
		add("device_mac = ?", filter.DeviceMAC)
	}
	if filter.Holder != "" {
		add("holder = ?", filter.Holder)
	}
	if filter.LeaseID != "" {
		add("lease_id = ?", filter.LeaseID)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM lease_events %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting lease events: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, event_type, lease_id, device_mac, holder, source, details, created_at
		 FROM lease_events %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying lease events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var leaseID, holder, detailsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.EventType, &leaseID, &e.DeviceMAC,
			&holder, &e.Source, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning lease event: %w", err)
		}
		e.LeaseID = leaseID.String
		e.Holder = holder.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				e.Details = details
			}
		}

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing lease event timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lease events: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes entries created before the cutoff and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM lease_events WHERE created_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning lease events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning lease events: %w", err)
	}
	return n, nil
}
