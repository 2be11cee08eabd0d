package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/models"
	"github.com/trimodal-rag/backend/pkg/logger"
)

// ErrExecutionNotFound is returned when feedback names an unknown execution.
var ErrExecutionNotFound = errors.New("execution not found")

// Client is the append-only metrics log. Rows are inserted and read, never
// updated.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS execution_metrics (
		execution_id TEXT PRIMARY KEY,
		config_hash TEXT NOT NULL,
		domain TEXT NOT NULL,
		query_type TEXT,
		response_time REAL NOT NULL,
		relevance_score REAL NOT NULL,
		result_count INTEGER NOT NULL,
		success INTEGER NOT NULL,
		resource_usage TEXT,
		modality_contributions TEXT,
		leg_status TEXT,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exec_hash ON execution_metrics(config_hash, timestamp);
	CREATE INDEX IF NOT EXISTS idx_exec_domain ON execution_metrics(domain, timestamp);

	CREATE TABLE IF NOT EXISTS execution_milestones (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		name TEXT NOT NULL,
		at INTEGER NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES execution_metrics(execution_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_milestones_exec ON execution_milestones(execution_id);

	CREATE TABLE IF NOT EXISTS execution_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		relevance REAL,
		helpful INTEGER NOT NULL,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES execution_metrics(execution_id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_exec ON execution_feedback(execution_id);

	CREATE TABLE IF NOT EXISTS negotiation_history (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		query_type TEXT,
		score REAL NOT NULL,
		components TEXT,
		accepted INTEGER NOT NULL,
		succeeded INTEGER,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_negotiation_domain ON negotiation_history(domain, timestamp);

	CREATE TABLE IF NOT EXISTS corpus_analyses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		document_count INTEGER NOT NULL,
		analysis TEXT NOT NULL,
		analyzed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_domain ON corpus_analyses(domain, analyzed_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertExecution appends m to the log. Executions are keyed by id, so
// recording the same execution twice leaves the first copy in place.
func (c *Client) InsertExecution(ctx context.Context, m *models.ExecutionMetrics) error {
	usage, err := encodeJSON(m.ResourceUsage)
	if err != nil {
		return fmt.Errorf("failed to encode resource usage: %w", err)
	}
	contributions, err := encodeJSON(m.ModalityContributions)
	if err != nil {
		return fmt.Errorf("failed to encode modality contributions: %w", err)
	}
	legs, err := encodeJSON(m.LegStatus)
	if err != nil {
		return fmt.Errorf("failed to encode leg status: %w", err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_metrics (execution_id, config_hash, domain, query_type, response_time,
			relevance_score, result_count, success, resource_usage, modality_contributions, leg_status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ExecutionID,
		m.ConfigHash,
		m.Domain,
		string(m.QueryType),
		m.ResponseTime,
		m.RelevanceScore,
		m.ResultCount,
		boolInt(m.Success),
		usage,
		contributions,
		legs,
		m.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logger.Debug("Execution already recorded", zap.String("execution_id", m.ExecutionID))
		return nil
	}

	for _, ms := range m.Milestones {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO execution_milestones (execution_id, name, at) VALUES (?, ?, ?)`,
			m.ExecutionID, ms.Name, ms.At.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert milestone: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	logger.Debug("Execution recorded",
		zap.String("execution_id", m.ExecutionID),
		zap.String("config_hash", m.ConfigHash),
		zap.Float64("response_time", m.ResponseTime),
	)
	return nil
}

// executionColumns selects an execution with user-reported relevance, when
// present, taking precedence over the estimated score.
const executionColumns = `
	SELECT e.execution_id, e.config_hash, e.domain, e.query_type, e.response_time,
		COALESCE(f.relevance, e.relevance_score), e.result_count, e.success,
		e.resource_usage, e.modality_contributions, e.leg_status, e.timestamp
	FROM execution_metrics e
	LEFT JOIN (
		SELECT execution_id, AVG(relevance) AS relevance
		FROM execution_feedback
		WHERE relevance IS NOT NULL
		GROUP BY execution_id
	) f ON f.execution_id = e.execution_id`

// RecentExecutions returns up to limit executions of one config, oldest first.
func (c *Client) RecentExecutions(ctx context.Context, configHash string, limit int) ([]models.ExecutionMetrics, error) {
	query := executionColumns + `
		WHERE e.config_hash = ?
		ORDER BY e.timestamp DESC, e.rowid DESC
		LIMIT ?`
	return c.queryExecutions(ctx, query, configHash, limit)
}

// DomainExecutions returns up to limit executions across every config of a
// domain, oldest first.
func (c *Client) DomainExecutions(ctx context.Context, domain string, limit int) ([]models.ExecutionMetrics, error) {
	query := executionColumns + `
		WHERE e.domain = ?
		ORDER BY e.timestamp DESC, e.rowid DESC
		LIMIT ?`
	return c.queryExecutions(ctx, query, domain, limit)
}

func (c *Client) queryExecutions(ctx context.Context, query string, args ...any) ([]models.ExecutionMetrics, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []models.ExecutionMetrics
	for rows.Next() {
		var m models.ExecutionMetrics
		var queryType, usage, contributions, legs sql.NullString
		var success int
		var ts int64

		err := rows.Scan(&m.ExecutionID, &m.ConfigHash, &m.Domain, &queryType, &m.ResponseTime,
			&m.RelevanceScore, &m.ResultCount, &success, &usage, &contributions, &legs, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		m.QueryType = models.QueryType(queryType.String)
		m.Success = success == 1
		m.Timestamp = time.Unix(0, ts).UTC()
		if err := decodeJSON(usage.String, &m.ResourceUsage); err != nil {
			return nil, fmt.Errorf("failed to decode resource usage: %w", err)
		}
		if err := decodeJSON(contributions.String, &m.ModalityContributions); err != nil {
			return nil, fmt.Errorf("failed to decode modality contributions: %w", err)
		}
		if err := decodeJSON(legs.String, &m.LegStatus); err != nil {
			return nil, fmt.Errorf("failed to decode leg status: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *Client) Milestones(ctx context.Context, executionID string) ([]models.Milestone, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name, at FROM execution_milestones WHERE execution_id = ? ORDER BY at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()

	var out []models.Milestone
	for rows.Next() {
		var ms models.Milestone
		var at int64
		if err := rows.Scan(&ms.Name, &at); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ms.At = time.Unix(0, at).UTC()
		out = append(out, ms)
	}
	return out, rows.Err()
}

func (c *Client) InsertFeedback(ctx context.Context, fb *models.UserFeedback) error {
	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM execution_metrics WHERE execution_id = ?`, fb.ExecutionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, fb.ExecutionID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up execution: %w", err)
	}

	var relevance sql.NullFloat64
	if fb.Relevance != nil {
		relevance = sql.NullFloat64{Float64: *fb.Relevance, Valid: true}
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO execution_feedback (execution_id, relevance, helpful, comment, created_at) VALUES (?, ?, ?, ?, ?)`,
		fb.ExecutionID, relevance, boolInt(fb.Helpful), fb.Comment, fb.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("execution_id", fb.ExecutionID),
		zap.Bool("helpful", fb.Helpful),
	)
	return nil
}

func (c *Client) InsertNegotiation(ctx context.Context, rec *models.NegotiationRecord) error {
	components, err := encodeJSON(rec.Components)
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}

	var succeeded sql.NullInt64
	if rec.Succeeded != nil {
		succeeded = sql.NullInt64{Int64: int64(boolInt(*rec.Succeeded)), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO negotiation_history (id, domain, query_type, score, components, accepted, succeeded, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Domain, string(rec.QueryType), rec.Score, components,
		boolInt(rec.Accepted), succeeded, rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert negotiation: %w", err)
	}
	return nil
}

// RecentNegotiations returns up to limit negotiations, newest first. An
// empty domain spans every domain.
func (c *Client) RecentNegotiations(ctx context.Context, domain string, limit int) ([]models.NegotiationRecord, error) {
	query := `SELECT id, domain, query_type, score, components, accepted, succeeded, timestamp FROM negotiation_history`
	args := []any{}
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY timestamp DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query negotiations: %w", err)
	}
	defer rows.Close()

	var out []models.NegotiationRecord
	for rows.Next() {
		var r models.NegotiationRecord
		var queryType, components sql.NullString
		var accepted int
		var succeeded sql.NullInt64
		var ts int64

		if err := rows.Scan(&r.ID, &r.Domain, &queryType, &r.Score, &components, &accepted, &succeeded, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.QueryType = models.QueryType(queryType.String)
		r.Accepted = accepted == 1
		if succeeded.Valid {
			ok := succeeded.Int64 == 1
			r.Succeeded = &ok
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		if err := decodeJSON(components.String, &r.Components); err != nil {
			return nil, fmt.Errorf("failed to decode components: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Client) InsertCorpusAnalysis(ctx context.Context, a *models.CorpusAnalysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO corpus_analyses (domain, document_count, analysis, analyzed_at) VALUES (?, ?, ?, ?)`,
		a.Domain, a.Statistics.DocumentCount, string(data), a.AnalysisTimestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert corpus analysis: %w", err)
	}
	return nil
}

// LatestCorpusAnalysis returns nil, nil when the domain was never analyzed.
func (c *Client) LatestCorpusAnalysis(ctx context.Context, domain string) (*models.CorpusAnalysis, error) {
	var data string
	err := c.db.QueryRowContext(ctx,
		`SELECT analysis FROM corpus_analyses WHERE domain = ? ORDER BY analyzed_at DESC, id DESC LIMIT 1`,
		domain).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get corpus analysis: %w", err)
	}

	var a models.CorpusAnalysis
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to decode corpus analysis: %w", err)
	}
	return &a, nil
}

// AnalyzedDomains lists every analyzed domain with the document count of
// its latest analysis.
func (c *Client) AnalyzedDomains(ctx context.Context) ([]models.DomainSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT a.domain, a.document_count, a.analyzed_at
		FROM corpus_analyses a
		JOIN (SELECT domain, MAX(analyzed_at) AS latest FROM corpus_analyses GROUP BY domain) l
			ON l.domain = a.domain AND l.latest = a.analyzed_at
		GROUP BY a.domain
		ORDER BY a.domain`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzed domains: %w", err)
	}
	defer rows.Close()

	var out []models.DomainSummary
	for rows.Next() {
		var s models.DomainSummary
		var at int64
		if err := rows.Scan(&s.Domain, &s.DocumentCount, &at); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.UpdatedAt = time.Unix(0, at).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
