package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"incidentline/internal/domain"
	"incidentline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

var ErrNotFound = errors.New("not found")

// SaveTicket upserts the ticket row and journals evtType in one transaction.
func (r Repo) SaveTicket(ctx context.Context, t domain.Ticket, evtType string, payload events.Payload) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO tickets(id,dataset,service,issue_type,status,priority,created_at,updated_at,body_json)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, priority=excluded.priority, updated_at=excluded.updated_at, body_json=excluded.body_json`,
		t.ID, t.Dataset, t.Issue.Service, t.Issue.IssueType, string(t.Status), string(t.Priority), t.CreatedAt, t.UpdatedAt, string(body))
	if err != nil {
		return fmt.Errorf("upsert ticket %s: %w", t.ID, err)
	}
	if evtType != "" {
		if err := r.Events.Append(ctx, tx, evtType, t.ID, t.Dataset, payload); err != nil {
			return fmt.Errorf("journal %s: %w", evtType, err)
		}
	}
	return tx.Commit()
}

// LoadTickets returns every stored ticket ordered by creation time.
func (r Repo) LoadTickets(ctx context.Context) ([]domain.Ticket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT body_json FROM tickets ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Ticket
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t domain.Ticket
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode stored ticket: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r Repo) GetTicket(ctx context.Context, id string) (domain.Ticket, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM tickets WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Ticket{}, ErrNotFound
	}
	if err != nil {
		return domain.Ticket{}, err
	}
	var t domain.Ticket
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return domain.Ticket{}, fmt.Errorf("decode stored ticket: %w", err)
	}
	return t, nil
}

// EventsAfter returns up to limit journal entries with id > after.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,ticket_id,COALESCE(dataset,''),payload_json FROM ticket_events WHERE id>? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TicketEvents returns the journal of one ticket, oldest first.
func (r Repo) TicketEvents(ctx context.Context, ticketID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,ticket_id,COALESCE(dataset,''),payload_json FROM ticket_events WHERE ticket_id=? ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM ticket_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TicketID, &e.Dataset, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type Session struct {
	ID          string `json:"id"`
	Dataset     string `json:"dataset"`
	Mode        string `json:"mode"`
	Entries     int    `json:"entries"`
	StartedAt   string `json:"started_at" format:"date-time"`
	FinishedAt  string `json:"finished_at,omitempty" format:"date-time"`
	ArchivePath string `json:"archive_path,omitempty"`
}

func (r Repo) InsertSession(ctx context.Context, s Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,dataset,mode,entries,started_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Dataset, s.Mode, s.Entries, s.StartedAt)
	return err
}

func (r Repo) SetSessionMode(ctx context.Context, id, mode string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET mode=? WHERE id=?`, mode, id)
	return err
}

func (r Repo) FinishSession(ctx context.Context, id string, finishedAt time.Time, archivePath string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET finished_at=?, archive_path=? WHERE id=?`,
		finishedAt.UTC().Format(time.RFC3339), nullable(archivePath), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	var finished, archive sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,dataset,mode,entries,started_at,finished_at,archive_path FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Dataset, &s.Mode, &s.Entries, &s.StartedAt, &finished, &archive)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.FinishedAt = finished.String
	s.ArchivePath = archive.String
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,dataset,mode,entries,started_at,finished_at,archive_path FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var finished, archive sql.NullString
		if err := rows.Scan(&s.ID, &s.Dataset, &s.Mode, &s.Entries, &s.StartedAt, &finished, &archive); err != nil {
			return nil, err
		}
		s.FinishedAt = finished.String
		s.ArchivePath = archive.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
