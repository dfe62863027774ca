package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/blackmichael/member-feed/internal/domain"
)

// maxVars keeps IN lists well under SQLite's bound-parameter limit.
const maxVars = 500

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyBatch deletes and then inserts within one transaction.
func (s *Store) ApplyBatch(ctx context.Context, deletes []string, creates []domain.IndexedPost) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin batch", err)
	}
	defer tx.Rollback()

	if err := deletePosts(ctx, tx, deletes); err != nil {
		return 0, err
	}
	inserted, err := insertPosts(ctx, tx, creates)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("commit batch", err)
	}
	return inserted, nil
}

// UpsertPosts inserts posts, silently skipping URIs that already exist.
func (s *Store) UpsertPosts(ctx context.Context, posts []domain.IndexedPost) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin upsert", err)
	}
	defer tx.Rollback()

	inserted, err := insertPosts(ctx, tx, posts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("commit upsert", err)
	}
	return inserted, nil
}

// DeletePosts removes posts by URI.
func (s *Store) DeletePosts(ctx context.Context, uris []string) error {
	return deletePosts(ctx, s.db, uris)
}

func insertPosts(ctx context.Context, ex execer, posts []domain.IndexedPost) (int64, error) {
	var inserted int64
	for _, p := range posts {
		res, err := ex.ExecContext(ctx, `
			INSERT INTO post (uri, cid, creator, indexed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (uri) DO NOTHING`,
			p.URI, p.CID, p.Creator, formatTime(p.IndexedAt),
		)
		if err != nil {
			return 0, classify("insert post "+p.URI, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	return inserted, nil
}

func deletePosts(ctx context.Context, ex execer, uris []string) error {
	for _, chunk := range chunks(uris, maxVars) {
		_, err := ex.ExecContext(ctx,
			`DELETE FROM post WHERE uri IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...,
		)
		if err != nil {
			return classify("delete posts", err)
		}
	}
	return nil
}

// QueryPage returns posts ordered by indexed_at descending, uri ascending.
func (s *Store) QueryPage(ctx context.Context, q domain.PageQuery) ([]domain.IndexedPost, *domain.PageCursor, error) {
	if q.Limit < 1 {
		return nil, nil, domain.Invalid("limit", "must be positive")
	}

	var (
		where []string
		args  []any
	)
	if len(q.Creators) > 0 {
		where = append(where, "creator IN ("+placeholders(len(q.Creators))+")")
		args = append(args, toArgs(q.Creators)...)
	}
	if q.Before != nil {
		ts := formatTime(q.Before.IndexedAt)
		if q.Before.URI == "" {
			where = append(where, "indexed_at < ?")
			args = append(args, ts)
		} else {
			where = append(where, "(indexed_at < ? OR (indexed_at = ? AND uri > ?))")
			args = append(args, ts, ts, q.Before.URI)
		}
	}

	query := `SELECT uri, cid, creator, indexed_at FROM post`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY indexed_at DESC, uri ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, classify("query page", err)
	}
	defer rows.Close()

	posts := make([]domain.IndexedPost, 0, q.Limit)
	for rows.Next() {
		var (
			p  domain.IndexedPost
			ts string
		)
		if err := rows.Scan(&p.URI, &p.CID, &p.Creator, &ts); err != nil {
			return nil, nil, classify("scan post", err)
		}
		if p.IndexedAt, err = parseTime(ts); err != nil {
			return nil, nil, &domain.StorageError{Op: "parse indexed_at of " + p.URI, Kind: domain.ErrStorageCorruption, Err: err}
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("iterate posts", err)
	}

	var next *domain.PageCursor
	if len(posts) == q.Limit {
		last := posts[len(posts)-1]
		next = &domain.PageCursor{IndexedAt: last.IndexedAt, URI: last.URI}
	}
	return posts, next, nil
}

// MissingPosts returns the uris that are not stored, in input order.
func (s *Store) MissingPosts(ctx context.Context, uris []string) ([]string, error) {
	found := make(map[string]struct{}, len(uris))
	for _, chunk := range chunks(uris, maxVars) {
		rows, err := s.readDB.QueryContext(ctx,
			`SELECT uri FROM post WHERE uri IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...,
		)
		if err != nil {
			return nil, classify("lookup posts", err)
		}
		for rows.Next() {
			var uri string
			if err := rows.Scan(&uri); err != nil {
				rows.Close()
				return nil, classify("scan uri", err)
			}
			found[uri] = struct{}{}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify("iterate uris", err)
		}
	}

	var missing []string
	seen := make(map[string]struct{}, len(uris))
	for _, uri := range uris {
		if _, ok := found[uri]; ok {
			continue
		}
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		missing = append(missing, uri)
	}
	return missing, nil
}

// CountPosts counts rows, optionally restricted to the given creators.
func (s *Store) CountPosts(ctx context.Context, creators []string) (int64, error) {
	if len(creators) == 0 {
		var n int64
		if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM post`).Scan(&n); err != nil {
			return 0, classify("count posts", err)
		}
		return n, nil
	}

	var total int64
	for _, chunk := range chunks(creators, maxVars) {
		var n int64
		err := s.readDB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM post WHERE creator IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...,
		).Scan(&n)
		if err != nil {
			return 0, classify("count creator posts", err)
		}
		total += n
	}
	return total, nil
}

// CountByCreator returns per-creator row counts, largest first.
func (s *Store) CountByCreator(ctx context.Context) ([]domain.CreatorCount, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT creator, COUNT(*) AS n
		FROM post
		GROUP BY creator
		ORDER BY n DESC, creator ASC`)
	if err != nil {
		return nil, classify("count by creator", err)
	}
	defer rows.Close()

	var out []domain.CreatorCount
	for rows.Next() {
		var c domain.CreatorCount
		if err := rows.Scan(&c.Creator, &c.Count); err != nil {
			return nil, classify("scan creator count", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate creator counts", err)
	}
	return out, nil
}

// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
// maxRows, keeping the most recent posts. Returns the total number of rows deleted.
func (s *Store) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("begin cleanup", err)
	}
	defer tx.Rollback()

	var ttlDeleted, capDeleted int64
	if maxAge > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM post WHERE indexed_at < ?`,
			formatTime(time.Now().Add(-maxAge)),
		)
		if err != nil {
			return 0, classify("delete expired posts", err)
		}
		ttlDeleted, _ = res.RowsAffected()
	}

	if maxRows > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM post WHERE uri IN (
				SELECT uri FROM post
				ORDER BY indexed_at DESC, uri ASC
				LIMIT -1 OFFSET ?
			)`, maxRows,
		)
		if err != nil {
			return 0, classify("delete excess posts", err)
		}
		capDeleted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("commit cleanup", err)
	}
	return ttlDeleted + capDeleted, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func toArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

func chunks(vals []string, size int) [][]string {
	var out [][]string
	for len(vals) > size {
		out = append(out, vals[:size])
		vals = vals[size:]
	}
	if len(vals) > 0 {
		out = append(out, vals)
	}
	return out
}

