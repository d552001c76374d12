package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ciadpi-tray/autosearch/internal/evaluator"
	"github.com/ciadpi-tray/autosearch/internal/history"
	"github.com/ciadpi-tray/autosearch/internal/search"
)

// storedTimeLayout keeps every stored timestamp the same width so text
// ordering matches time ordering. Values are always written in UTC.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// parseTime also accepts rows written with a trimmed fraction.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var _ search.Archive = (*DB)(nil)

// SessionSummary is one archived search.
type SessionSummary struct {
	ID                   string     `json:"session_id"`
	StartedAt            time.Time  `json:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty"`
	TrialBudget          int        `json:"trial_budget"`
	ProbeDurationSeconds float64    `json:"probe_duration_seconds"`
	TrialsRun            int        `json:"trials_run"`
	Successes            int        `json:"successes"`
	Found                bool       `json:"found"`
	BestParams           string     `json:"best_params,omitempty"`
	BestLatencySeconds   float64    `json:"best_latency_seconds,omitempty"`
	Cancelled            bool       `json:"cancelled"`
}

// Trial is one archived trial.
type Trial struct {
	SessionID      string    `json:"session_id"`
	Index          int       `json:"index"`
	Params         string    `json:"params"`
	TestedAt       time.Time `json:"tested_at"`
	Success        bool      `json:"success"`
	Kind           string    `json:"failure_kind"`
	LatencySeconds float64   `json:"latency_seconds"`
	StatusCode     int       `json:"status_code,omitempty"`
	Target         string    `json:"target,omitempty"`
	Attempts       int       `json:"attempts"`
	Notes          string    `json:"notes,omitempty"`
}

// CandidateStat aggregates every archived trial of one parameter string.
// Latency figures only cover successful trials.
type CandidateStat struct {
	Params             string  `json:"params"`
	Trials             int     `json:"trials"`
	Successes          int     `json:"successes"`
	MeanLatencySeconds float64 `json:"mean_latency_seconds,omitempty"`
	BestLatencySeconds float64 `json:"best_latency_seconds,omitempty"`
}

// SuccessRate returns successes/trials.
func (c CandidateStat) SuccessRate() float64 {
	if c.Trials == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Trials)
}

// BeginSession records a search that just started.
func (db *DB) BeginSession(ctx context.Context, s search.Session) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO search_sessions (session_id, started_at, trial_budget, probe_duration_ms)
		 VALUES (?, ?, ?, ?)`,
		s.ID, formatTime(s.StartedAt), s.TrialBudget, s.ProbeDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", s.ID, err)
	}
	return nil
}

// RecordTrial stores one trial of a session.
func (db *DB) RecordTrial(ctx context.Context, sessionID string, index int, rec history.Record, out evaluator.Outcome) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO trials (
			session_id, trial_index, params, tested_at, success, failure_kind,
			latency_ms, status_code, target, attempts, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, index, rec.Candidate.Key(), formatTime(rec.Timestamp), rec.Success, string(out.Kind),
		rec.Latency.Milliseconds(), nullInt(out.StatusCode), nullString(out.Target), out.Attempts, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trial %d of %s: %w", index, sessionID, err)
	}
	return nil
}

// FinishSession stores the terminal result of a session.
func (db *DB) FinishSession(ctx context.Context, res search.Result, finishedAt time.Time) error {
	var best sql.NullString
	var bestMs sql.NullInt64
	if res.Found {
		best = sql.NullString{String: res.Best.Key(), Valid: true}
		bestMs = sql.NullInt64{Int64: res.Latency.Milliseconds(), Valid: true}
	}
	r, err := db.ExecContext(ctx,
		`UPDATE search_sessions
		 SET finished_at = ?, trials_run = ?, found = ?, best_params = ?, best_latency_ms = ?, cancelled = ?
		 WHERE session_id = ?`,
		formatTime(finishedAt), res.TrialsRun, res.Found, best, bestMs, res.Cancelled, res.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", res.SessionID, err)
	}
	if n, err := r.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", res.SessionID)
	}
	return nil
}

// ListSessions returns up to limit sessions, newest first. limit <= 0 returns all.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT s.session_id, s.started_at, s.finished_at, s.trial_budget, s.probe_duration_ms,
		        s.trials_run, s.found, s.best_params, s.best_latency_ms, s.cancelled,
		        (SELECT COUNT(*) FROM trials t WHERE t.session_id = s.session_id AND t.success = 1)
		 FROM search_sessions s
		 ORDER BY s.started_at DESC
		 LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			s              SessionSummary
			started        string
			finished, best sql.NullString
			probeMs        int64
			bestMs         sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &finished, &s.TrialBudget, &probeMs,
			&s.TrialsRun, &s.Found, &best, &bestMs, &s.Cancelled, &s.Successes); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if s.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("session %s: bad started_at %q: %w", s.ID, started, err)
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, fmt.Errorf("session %s: bad finished_at %q: %w", s.ID, finished.String, err)
			}
			s.FinishedAt = &t
		}
		s.ProbeDurationSeconds = msToSeconds(probeMs)
		s.BestParams = best.String
		if bestMs.Valid {
			s.BestLatencySeconds = msToSeconds(bestMs.Int64)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionTrials returns the trials of one session in run order.
func (db *DB) SessionTrials(ctx context.Context, sessionID string) ([]Trial, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, trial_index, params, tested_at, success, failure_kind,
		        latency_ms, status_code, target, attempts, notes
		 FROM trials WHERE session_id = ? ORDER BY trial_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trials of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Trial
	for rows.Next() {
		var (
			t         Trial
			testedAt  string
			latencyMs int64
			status    sql.NullInt64
			target    sql.NullString
			notes     sql.NullString
		)
		if err := rows.Scan(&t.SessionID, &t.Index, &t.Params, &testedAt, &t.Success, &t.Kind,
			&latencyMs, &status, &target, &t.Attempts, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan trial: %w", err)
		}
		if t.TestedAt, err = parseTime(testedAt); err != nil {
			return nil, fmt.Errorf("trial %d: bad tested_at %q: %w", t.Index, testedAt, err)
		}
		t.LatencySeconds = msToSeconds(latencyMs)
		t.StatusCode = int(status.Int64)
		t.Target = target.String
		t.Notes = notes.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// CandidateStats ranks parameter strings by successes, then by mean
// successful latency.
func (db *DB) CandidateStats(ctx context.Context, limit int) ([]CandidateStat, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT params,
		        COUNT(*) AS n,
		        SUM(success) AS successes,
		        AVG(CASE WHEN success = 1 THEN latency_ms END) AS mean_ms,
		        MIN(CASE WHEN success = 1 THEN latency_ms END) AS best_ms
		 FROM trials
		 GROUP BY params
		 ORDER BY successes DESC, mean_ms IS NULL, mean_ms ASC, params ASC
		 LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate stats: %w", err)
	}
	defer rows.Close()

	var out []CandidateStat
	for rows.Next() {
		var (
			c      CandidateStat
			meanMs sql.NullFloat64
			bestMs sql.NullInt64
		)
		if err := rows.Scan(&c.Params, &c.Trials, &c.Successes, &meanMs, &bestMs); err != nil {
			return nil, fmt.Errorf("failed to scan candidate stats: %w", err)
		}
		if meanMs.Valid {
			c.MeanLatencySeconds = meanMs.Float64 / 1000
		}
		if bestMs.Valid {
			c.BestLatencySeconds = msToSeconds(bestMs.Int64)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// sqlite treats a negative LIMIT as unbounded.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
