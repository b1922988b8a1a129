// Package store archives decision events in SQLite for the admin query
// surface. The NDJSON decision log remains the source of truth; the
// archive is a queryable mirror and is disabled by leaving its path empty.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aegis-gw/aegis/pkg/contracts"

	_ "modernc.org/sqlite"
)

// Archive is a SQLite-backed mirror of the decision log.
type Archive struct {
	db *sql.DB
}

// Open opens (or creates) the archive database at path and runs the
// migration.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent inserts.
	db.SetMaxOpenConns(1)
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error { return a.db.Close() }

func (a *Archive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL NOT NULL,
		incident_id TEXT,
		request_id TEXT,
		tenant TEXT,
		bot TEXT,
		family TEXT,
		mode TEXT,
		status INTEGER,
		endpoint TEXT,
		rule_ids JSON,
		policy_version TEXT,
		latency_ms REAL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_tenant_bot ON decisions(tenant, bot);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

// Insert appends one decision event.
func (a *Archive) Insert(ctx context.Context, ev contracts.DecisionEvent) error {
	query := `INSERT INTO decisions (
		ts, incident_id, request_id, tenant, bot, family, mode, status, endpoint, rule_ids, policy_version, latency_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ruleJSON, _ := json.Marshal(ev.RuleIDs)
	_, err := a.db.ExecContext(ctx, query,
		ev.Ts, ev.IncidentID, ev.RequestID, ev.Tenant, ev.Bot,
		string(ev.Family), string(ev.Mode), ev.Status, ev.Endpoint,
		string(ruleJSON), ev.PolicyVersion, ev.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// Filter narrows a Query. Zero values mean "any"; Limit 0 means the
// default page size.
type Filter struct {
	Tenant    string
	Bot       string
	Family    string
	Mode      string
	RuleID    string
	RequestID string
	FromTs    float64
	ToTs      float64
	Sort      string // "asc" | "desc" (default desc)
	Limit     int
	Offset    int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Query returns archived events matching the filter. Equal timestamps
// keep insertion order.
func (a *Archive) Query(ctx context.Context, f Filter) ([]contracts.DecisionEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.Tenant != "" {
		add("tenant = ?", f.Tenant)
	}
	if f.Bot != "" {
		add("bot = ?", f.Bot)
	}
	if f.Family != "" {
		add("family = ?", f.Family)
	}
	if f.Mode != "" {
		add("mode = ?", f.Mode)
	}
	if f.RequestID != "" {
		add("request_id = ?", f.RequestID)
	}
	if f.RuleID != "" {
		// rule_ids is a JSON array of strings; match the quoted element.
		add("rule_ids LIKE ?", `%"`+f.RuleID+`"%`)
	}
	if f.FromTs > 0 {
		add("ts >= ?", f.FromTs)
	}
	if f.ToTs > 0 {
		add("ts <= ?", f.ToTs)
	}

	query := "SELECT ts, incident_id, request_id, tenant, bot, family, mode, status, endpoint, rule_ids, policy_version, latency_ms FROM decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Sort == "asc" {
		query += " ORDER BY ts ASC, id ASC"
	} else {
		query += " ORDER BY ts DESC, id DESC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.DecisionEvent
	for rows.Next() {
		ev, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count reports the number of archived events, for diagnostics.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&n)
	return n, err
}

func scanDecision(rows *sql.Rows) (contracts.DecisionEvent, error) {
	var (
		ev       contracts.DecisionEvent
		family   string
		mode     string
		ruleJSON sql.NullString
	)
	if err := rows.Scan(&ev.Ts, &ev.IncidentID, &ev.RequestID, &ev.Tenant, &ev.Bot,
		&family, &mode, &ev.Status, &ev.Endpoint, &ruleJSON, &ev.PolicyVersion, &ev.LatencyMs); err != nil {
		return contracts.DecisionEvent{}, err
	}
	ev.Family = contracts.Family(family)
	ev.Mode = contracts.Mode(mode)
	if ruleJSON.Valid && ruleJSON.String != "" {
		_ = json.Unmarshal([]byte(ruleJSON.String), &ev.RuleIDs)
	}
	return ev, nil
}
