package domain

import (
	"context"
	"time"
)

// PostRepository defines persistence operations for indexed posts.
type PostRepository interface {
	// ApplyBatch deletes the given URIs and then inserts the given posts,
	// ignoring URIs that already exist, in one transaction. Returns the
	// number of rows inserted.
	ApplyBatch(ctx context.Context, deletes []string, creates []IndexedPost) (int64, error)

	// UpsertPosts inserts posts whose URI is not already present.
	UpsertPosts(ctx context.Context, posts []IndexedPost) (int64, error)

	// DeletePosts removes posts by AT-URI. Absent URIs are ignored.
	DeletePosts(ctx context.Context, uris []string) error

	// QueryPage returns up to q.Limit posts ordered by indexedAt descending,
	// ties broken by URI ascending. The returned cursor is nil once fewer
	// than q.Limit rows are returned.
	QueryPage(ctx context.Context, q PageQuery) ([]IndexedPost, *PageCursor, error)

	// MissingPosts returns the subset of uris that are not stored.
	MissingPosts(ctx context.Context, uris []string) ([]string, error)

	// CountPosts counts stored posts, restricted to creators when non-empty.
	CountPosts(ctx context.Context, creators []string) (int64, error)

	// CountByCreator returns per-creator row counts, largest first.
	CountByCreator(ctx context.Context) ([]CreatorCount, error)

	// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
	// maxRows (0 means unbounded), keeping the most recent posts. Returns the
	// number of rows deleted.
	DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error)

	// Ping reports whether the store can currently serve requests.
	Ping(ctx context.Context) error
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. ok is false if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (cursor int64, ok bool, err error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	// A cursor lower than the stored one is ignored.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
