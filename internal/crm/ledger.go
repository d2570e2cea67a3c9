// Package crm provides the customer relationship tools: contact lookup
// against a CardDAV address book and a ledger of deal commitments.
package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Commitment statuses.
const (
	StatusOpen = "open"
	StatusMet  = "met"
	StatusLost = "lost"
)

// ErrNotFound is returned when a commitment does not exist in the
// caller's tenant.
var ErrNotFound = errors.New("commitment not found")

// Commitment is a promise made to a customer to win or keep a deal.
type Commitment struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Owner     string    `json:"owner"`
	Customer  string    `json:"customer"`
	Summary   string    `json:"summary"`
	DealValue float64   `json:"deal_value,omitempty"`
	DueDate   string    `json:"due_date,omitempty"` // YYYY-MM-DD
	IssueURL  string    `json:"issue_url,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows List results. TenantID is required.
type Filter struct {
	TenantID string
	Customer string // case-insensitive substring
	Status   string
	Limit    int
}

// Ledger stores commitments in SQLite. Safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

const commitmentColumns = "id, tenant_id, owner, customer, summary, deal_value, due_date, issue_url, status, created_at, updated_at"

// OpenLedger opens or creates the ledger database at dbPath.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS commitments (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		owner      TEXT NOT NULL,
		customer   TEXT NOT NULL,
		summary    TEXT NOT NULL,
		deal_value REAL NOT NULL DEFAULT 0,
		due_date   TEXT,
		issue_url  TEXT,
		status     TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commitments_tenant ON commitments(tenant_id, status);
	CREATE INDEX IF NOT EXISTS idx_commitments_customer ON commitments(tenant_id, LOWER(customer));
	`)
	return err
}

// Record inserts c and returns it with ID, status and timestamps filled.
func (l *Ledger) Record(ctx context.Context, c Commitment) (*Commitment, error) {
	if c.TenantID == "" {
		return nil, errors.New("tenant is required")
	}
	if strings.TrimSpace(c.Customer) == "" || strings.TrimSpace(c.Summary) == "" {
		return nil, errors.New("customer and summary are required")
	}
	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate commitment ID: %w", err)
		}
		c.ID = id.String()
	}
	if c.Status == "" {
		c.Status = StatusOpen
	}
	now := time.Now().UTC().Truncate(time.Second)
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO commitments (`+commitmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Owner, c.Customer, c.Summary, c.DealValue,
		nullIfEmpty(c.DueDate), nullIfEmpty(c.IssueURL), c.Status,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert commitment: %w", err)
	}
	return &c, nil
}

// SetStatus updates the status of a commitment within tenantID.
func (l *Ledger) SetStatus(ctx context.Context, tenantID, id, status string) error {
	switch status {
	case StatusOpen, StatusMet, StatusLost:
	default:
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE commitments SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id, tenantID)
	if err != nil {
		return fmt.Errorf("update commitment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns commitments matching f, soonest due first. Commitments
// without a due date sort last.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*Commitment, error) {
	if f.TenantID == "" {
		return nil, errors.New("tenant is required")
	}
	query := `SELECT ` + commitmentColumns + ` FROM commitments WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Customer != "" {
		query += ` AND LOWER(customer) LIKE ?`
		args = append(args, "%"+strings.ToLower(f.Customer)+"%")
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY due_date IS NULL, due_date, created_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	defer rows.Close()

	var out []*Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCommitment(rows *sql.Rows) (*Commitment, error) {
	var (
		c                Commitment
		due, issue       sql.NullString
		created, updated string
	)
	if err := rows.Scan(&c.ID, &c.TenantID, &c.Owner, &c.Customer, &c.Summary, &c.DealValue,
		&due, &issue, &c.Status, &created, &updated); err != nil {
		return nil, fmt.Errorf("scan commitment: %w", err)
	}
	c.DueDate = due.String
	c.IssueURL = issue.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
