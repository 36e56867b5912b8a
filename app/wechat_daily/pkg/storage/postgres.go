package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/config"
	"github.com/iWorld-y/wechat_daily/app/wechat_daily/pkg/model"
)

// 运行状态
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run 一次流水线运行的记录
type Run struct {
	ID           uuid.UUID
	Workflow     string
	Mode         string
	Window       model.TimeWindow
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       string
	Collected    int
	Extracted    int
	Scored       int
	Selected     int
	Failures     int
	DigestPath   string
	DraftMediaID string
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type Storage struct {
	db *sql.DB
}

func NewStorage(ctx context.Context, cfg config.DBConfig) (*Storage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS digest_runs (
			id UUID PRIMARY KEY,
			workflow TEXT NOT NULL,
			mode TEXT,
			window_start TIMESTAMPTZ,
			window_end TIMESTAMPTZ,
			status TEXT NOT NULL,
			collected INTEGER DEFAULT 0,
			extracted INTEGER DEFAULT 0,
			scored INTEGER DEFAULT 0,
			selected INTEGER DEFAULT 0,
			failures INTEGER DEFAULT 0,
			digest_path TEXT,
			draft_media_id TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS digest_articles (
			id SERIAL PRIMARY KEY,
			run_id UUID REFERENCES digest_runs(id),
			url TEXT NOT NULL,
			account TEXT,
			title TEXT,
			publish_time TIMESTAMPTZ,
			score INTEGER,
			keywords TEXT,
			summary TEXT,
			reason TEXT,
			selected BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}

// StartRun 插入一条 running 状态的记录
func (s *Storage) StartRun(ctx context.Context, r *Run) error {
	query, args, err := startRunQuery(r).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun 回写统计与最终状态
func (s *Storage) FinishRun(ctx context.Context, r *Run) error {
	query, args, err := finishRunQuery(r).ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// SaveArticles 在一个事务中记录本次打分的文章，selected 为入选日报的 URL
func (s *Storage) SaveArticles(ctx context.Context, runID uuid.UUID, items []model.ScoredArticle, selected map[string]bool) error {
	if len(items) == 0 {
		return nil
	}
	query, args, err := insertArticlesQuery(runID, items, selected).ToSql()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert articles: %w", err)
	}
	return tx.Commit()
}

func startRunQuery(r *Run) sq.InsertBuilder {
	return psql.Insert("digest_runs").
		Columns("id", "workflow", "mode", "window_start", "window_end", "status", "started_at").
		Values(r.ID.String(), r.Workflow, r.Mode, r.Window.Start, r.Window.End, StatusRunning, r.StartedAt)
}

func finishRunQuery(r *Run) sq.UpdateBuilder {
	return psql.Update("digest_runs").
		SetMap(map[string]any{
			"status":         r.Status,
			"collected":      r.Collected,
			"extracted":      r.Extracted,
			"scored":         r.Scored,
			"selected":       r.Selected,
			"failures":       r.Failures,
			"digest_path":    r.DigestPath,
			"draft_media_id": r.DraftMediaID,
			"finished_at":    r.FinishedAt,
		}).
		Where(sq.Eq{"id": r.ID.String()})
}

func insertArticlesQuery(runID uuid.UUID, items []model.ScoredArticle, selected map[string]bool) sq.InsertBuilder {
	b := psql.Insert("digest_articles").
		Columns("run_id", "url", "account", "title", "publish_time", "score", "keywords", "summary", "reason", "selected")
	for _, it := range items {
		var published any
		if !it.Metadata.PublishTime.IsZero() {
			published = it.Metadata.PublishTime
		}
		b = b.Values(
			runID.String(),
			it.Metadata.URL,
			it.Metadata.Account,
			it.Metadata.Title,
			published,
			it.Summary.Score,
			strings.Join(it.Summary.Keywords, ","),
			it.Summary.Summary,
			it.Summary.Reason,
			selected[it.Metadata.URL],
		)
	}
	return b
}
