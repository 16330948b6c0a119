package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crosspost/internal/model"
	logx "crosspost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	defMax int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, defMax: cfg.DefaultMaxAttempts}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postColumns = `id, owner_id, organization_id, content, publish_at, timezone, recurrence,
	status, attempts, max_attempts, last_error, last_attempt_at, published_at,
	platform_post_ids, publish_urls, tags, notes, created_at, updated_at`

func (s *sqliteStore) Create(ctx context.Context, p *model.ScheduledPost) (string, error) {
	cp := p.Clone()
	if err := prepareCreate(cp, time.Now(), s.defMax); err != nil {
		return "", err
	}

	content, err := json.Marshal(cp.Content)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_posts(`+postColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.OwnerID, cp.OrganizationID, string(content),
		cp.Schedule.PublishAt.UnixMilli(), tzOrUTC(cp.Schedule.Timezone), jsonOrNull(cp.Schedule.Recurrence),
		string(cp.Status), cp.Attempts, cp.MaxAttempts,
		nullStr(cp.LastError), nullTime(cp.LastAttemptAt), nullTime(cp.PublishedAt),
		jsonOrNull(cp.PlatformPostIDs), jsonOrNull(cp.PublishURLs), jsonOrNull(cp.Tags), nullStr(cp.Notes),
		cp.CreatedAt.UnixMilli(), cp.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert post: %w", err)
	}

	p.ID = cp.ID
	p.Status = cp.Status
	p.MaxAttempts = cp.MaxAttempts
	p.CreatedAt = cp.CreatedAt
	p.UpdatedAt = cp.UpdatedAt
	return cp.ID, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*model.ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Update reads, merges and writes inside one transaction. The row-level
// exclusivity comes from the claim discipline (only the claiming worker
// updates a publishing post); ExpectStatus closes the remaining races.
func (s *sqliteStore) Update(ctx context.Context, id string, patch Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if patch.ExpectStatus != nil && p.Status != *patch.ExpectStatus {
		return ErrConflict
	}

	applyPatch(p, patch, time.Now())

	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_posts SET
			status = ?, attempts = ?, last_error = ?, last_attempt_at = ?, published_at = ?,
			platform_post_ids = ?, publish_urls = ?, tags = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		string(p.Status), p.Attempts, nullStr(p.LastError), nullTime(p.LastAttemptAt), nullTime(p.PublishedAt),
		jsonOrNull(p.PlatformPostIDs), jsonOrNull(p.PublishURLs), jsonOrNull(p.Tags), nullStr(p.Notes),
		p.UpdatedAt.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_posts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListForOwner(ctx context.Context, ownerID string, f ListFilter) ([]*model.ScheduledPost, error) {
	q := `SELECT ` + postColumns + ` FROM scheduled_posts WHERE owner_id = ?`
	args := []any{ownerID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	} else if !f.IncludePublished {
		q += ` AND status != ?`
		args = append(args, string(model.StatusPublished))
	}
	q += ` ORDER BY publish_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryPosts(ctx, q, args...)
}

func (s *sqliteStore) Due(ctx context.Context, q DueQuery) ([]*model.ScheduledPost, error) {
	sqlq := `SELECT ` + postColumns + ` FROM scheduled_posts
		WHERE status = ? AND publish_at <= ?`
	args := []any{string(model.StatusScheduled), q.Now.UnixMilli()}
	if q.MinRetryDelay > 0 {
		sqlq += ` AND (last_attempt_at IS NULL OR last_attempt_at <= ?)`
		args = append(args, q.Now.Add(-q.MinRetryDelay).UnixMilli())
	}
	sqlq += ` ORDER BY publish_at ASC`
	if q.Limit > 0 {
		sqlq += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryPosts(ctx, sqlq, args...)
}

func (s *sqliteStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusPublishing), now.UnixMilli(), id, string(model.StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_posts SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.StatusCancelled), time.Now().UnixMilli(), id, string(model.StatusScheduled))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Distinguish "gone" from "already claimed/finished".
	var st string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM scheduled_posts WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// slowQueryThreshold flags reads stalled behind the single writer.
const slowQueryThreshold = 500 * time.Millisecond

func (s *sqliteStore) queryPosts(ctx context.Context, q string, args ...any) ([]*model.ScheduledPost, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if took := time.Since(start); took >= slowQueryThreshold {
		s.log.Warn("slow query", logx.Duration("took", took))
	}

	var out []*model.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*model.ScheduledPost, error) {
	var (
		p                              model.ScheduledPost
		content, status, tz            string
		recurJSON, idsJSON             sql.NullString
		urlsJSON, tagsJSON             sql.NullString
		lastErr, notes                 sql.NullString
		publishAt, createdAt, updAt    int64
		lastAttemptAt, publishedAt     sql.NullInt64
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.OrganizationID, &content, &publishAt, &tz, &recurJSON,
		&status, &p.Attempts, &p.MaxAttempts, &lastErr, &lastAttemptAt, &publishedAt,
		&idsJSON, &urlsJSON, &tagsJSON, &notes, &createdAt, &updAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(content), &p.Content); err != nil {
		return nil, fmt.Errorf("decode content for %s: %w", p.ID, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	p.Schedule.PublishAt = time.UnixMilli(publishAt).In(loc)
	p.Schedule.Timezone = tz
	if recurJSON.Valid {
		var r model.Recurrence
		if err := json.Unmarshal([]byte(recurJSON.String), &r); err != nil {
			return nil, fmt.Errorf("decode recurrence for %s: %w", p.ID, err)
		}
		p.Schedule.Recurrence = &r
	}
	p.Status = model.Status(status)
	p.LastError = lastErr.String
	if lastAttemptAt.Valid {
		t := time.UnixMilli(lastAttemptAt.Int64)
		p.LastAttemptAt = &t
	}
	if publishedAt.Valid {
		t := time.UnixMilli(publishedAt.Int64)
		p.PublishedAt = &t
	}
	if idsJSON.Valid {
		if err := json.Unmarshal([]byte(idsJSON.String), &p.PlatformPostIDs); err != nil {
			return nil, fmt.Errorf("decode platform ids for %s: %w", p.ID, err)
		}
	}
	if urlsJSON.Valid {
		if err := json.Unmarshal([]byte(urlsJSON.String), &p.PublishURLs); err != nil {
			return nil, fmt.Errorf("decode publish urls for %s: %w", p.ID, err)
		}
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", p.ID, err)
		}
	}
	p.Notes = notes.String
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updAt)
	return &p, nil
}

func tzOrUTC(tz string) string {
	if strings.TrimSpace(tz) == "" {
		return "UTC"
	}
	return tz
}

func jsonOrNull(v any) any {
	switch x := v.(type) {
	case *model.Recurrence:
		if x == nil {
			return nil
		}
	case map[string]string:
		if len(x) == 0 {
			return nil
		}
	case []string:
		if len(x) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
