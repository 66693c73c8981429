// Package postgres provides the Postgres-backed summary record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// DefaultTable is used when no table name is configured.
const DefaultTable = "summaries"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var columns = []string{
	"id", "url", "title", "author", "publish_date", "summary", "tags",
	"content_length", "image_url", "topic_tag", "language",
	"received_at", "processed_at", "status",
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// SummaryStore writes and reads summary records. Writes are conditional on
// the id being absent.
type SummaryStore struct {
	pool  pool
	table string
	psql  sq.StatementBuilderType
}

// NewSummaryStore connects a pgx pool using cfg.
func NewSummaryStore(ctx context.Context, cfg Config) (*SummaryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewSummaryStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewSummaryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSummaryStoreWithPool(p pool, table string) (*SummaryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SummaryStore{
		pool:  p,
		table: table,
		psql:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Close releases the underlying pool resources.
func (s *SummaryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the table and its indexes when missing.
func (s *SummaryStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	url            TEXT NOT NULL,
	title          TEXT NOT NULL,
	author         TEXT NOT NULL,
	publish_date   BIGINT NOT NULL,
	summary        TEXT NOT NULL,
	tags           TEXT[] NOT NULL DEFAULT '{}',
	content_length INTEGER NOT NULL,
	image_url      TEXT NOT NULL DEFAULT '',
	topic_tag      TEXT NOT NULL DEFAULT '',
	language       TEXT NOT NULL,
	received_at    BIGINT NOT NULL,
	processed_at   BIGINT NOT NULL,
	status         TEXT NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tags_idx ON %s USING GIN (tags)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_processed_idx ON %s (processed_at DESC, id DESC)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PutIfAbsent inserts rec. If a row with rec.ID already exists nothing is
// written and article.ErrConditionFailed is returned.
func (s *SummaryStore) PutIfAbsent(ctx context.Context, rec article.SummaryRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	query, args, err := s.psql.Insert(s.table).
		Columns(columns...).
		Values(
			rec.ID, rec.URL, rec.Title, rec.Author, rec.PublishDate, rec.Summary, tags,
			rec.ContentLength, rec.ImageURL, rec.TopicTag, rec.Language,
			rec.ReceivedAt, rec.ProcessedAt, string(rec.Status),
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return article.ErrConditionFailed
	}
	return nil
}

// Get returns the record with the given id or article.ErrNotFound.
func (s *SummaryStore) Get(ctx context.Context, id string) (article.SummaryRecord, error) {
	query, args, err := s.psql.Select(columns...).From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return article.SummaryRecord{}, fmt.Errorf("build select: %w", err)
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return article.SummaryRecord{}, article.ErrNotFound
	}
	if err != nil {
		return article.SummaryRecord{}, fmt.Errorf("get summary: %w", err)
	}
	return rec, nil
}

// List pages through records newest first. Tags match any-of.
func (s *SummaryStore) List(ctx context.Context, q article.ListQuery) (article.ListResult, error) {
	q = q.Normalized()
	cursor, hasCursor, err := article.DecodeCursor(q.Cursor)
	if err != nil {
		return article.ListResult{}, err
	}

	builder := s.psql.Select(columns...).From(s.table)
	if len(q.Tags) > 0 {
		builder = builder.Where(sq.Expr("tags && ?", q.Tags))
	}
	if hasCursor {
		builder = builder.Where(sq.Expr("(processed_at, id) < (?, ?)", cursor.ProcessedAt, cursor.ID))
	}
	query, args, err := builder.
		OrderBy("processed_at DESC", "id DESC").
		Limit(uint64(q.Limit) + 1). //nolint:gosec // limit is clamped positive
		ToSql()
	if err != nil {
		return article.ListResult{}, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return article.ListResult{}, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	records := make([]article.SummaryRecord, 0, q.Limit+1)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return article.ListResult{}, fmt.Errorf("scan summary: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return article.ListResult{}, fmt.Errorf("iterate summaries: %w", err)
	}

	var out article.ListResult
	if len(records) > q.Limit {
		records = records[:q.Limit]
		out.NextCursor = article.EncodeCursor(records[len(records)-1])
	}
	out.Records = records
	return out, nil
}

// Ping checks connectivity.
func (s *SummaryStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (article.SummaryRecord, error) {
	var (
		rec    article.SummaryRecord
		status string
	)
	err := row.Scan(
		&rec.ID, &rec.URL, &rec.Title, &rec.Author, &rec.PublishDate, &rec.Summary, &rec.Tags,
		&rec.ContentLength, &rec.ImageURL, &rec.TopicTag, &rec.Language,
		&rec.ReceivedAt, &rec.ProcessedAt, &status,
	)
	if err != nil {
		return article.SummaryRecord{}, err
	}
	rec.Status = article.Status(status)
	return rec, nil
}
