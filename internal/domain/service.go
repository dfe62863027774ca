package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/patrickmn/go-cache"
)

const (
	// DefaultMaxLimit is the largest page getFeedSkeleton will serve.
	DefaultMaxLimit = 100

	statsCacheKey = "stats"
	statsCacheTTL = 10 * time.Second
)

// FeedServiceConfig holds the static identity of the feed generator.
type FeedServiceConfig struct {
	// ServiceDID is the did:web of this feed generator.
	ServiceDID string

	// FeedURI is the AT-URI of the single membership feed.
	FeedURI string

	// MaxLimit caps page sizes. Zero means DefaultMaxLimit.
	MaxLimit int
}

// FeedURI returns the AT-URI of a feed generator record.
func FeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// FeedService is the core domain service. It owns the business logic for
// filtering incoming posts by membership, persisting accepted posts, serving
// feed skeletons and the operator repair path.
type FeedService struct {
	cfg     FeedServiceConfig
	members atomic.Pointer[MembershipFilter]
	repo    PostRepository
	cursors CursorRepository
	stats   *cache.Cache
	now     func() time.Time
	logger  *slog.Logger
}

// NewFeedService creates a FeedService serving one membership-filtered feed.
func NewFeedService(cfg FeedServiceConfig, members *MembershipFilter, repo PostRepository, cursors CursorRepository, logger *slog.Logger) (*FeedService, error) {
	if cfg.FeedURI == "" {
		return nil, fmt.Errorf("feed uri is required")
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	if members == nil {
		members = NewMembershipFilter(nil)
	}

	s := &FeedService{
		cfg:     cfg,
		repo:    repo,
		cursors: cursors,
		stats:   cache.New(statsCacheTTL, time.Minute),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
	s.members.Store(members)
	return s, nil
}

// SetClock overrides the time source used for indexedAt.
func (s *FeedService) SetClock(now func() time.Time) {
	s.now = now
}

// Members returns the current membership snapshot.
func (s *FeedService) Members() *MembershipFilter {
	return s.members.Load()
}

// SetMembers swaps in a new membership snapshot. In-flight batches finish
// with whichever snapshot they loaded.
func (s *FeedService) SetMembers(f *MembershipFilter) {
	if f == nil {
		f = NewMembershipFilter(nil)
	}
	s.members.Store(f)
	s.stats.Delete(statsCacheKey)
	s.logger.Info("membership reloaded", "members", f.Len())
}

// FeedURIs returns the AT-URIs of all registered feeds.
func (s *FeedService) FeedURIs() []string {
	return []string{s.cfg.FeedURI}
}

// ApplyBatch filters a decoded batch and writes it to the repository in a
// single transaction. Deletes go first; a create followed by a delete of the
// same URI within the batch is dropped so the delete wins.
func (s *FeedService) ApplyBatch(ctx context.Context, batch Batch) (BatchResult, error) {
	var (
		res     BatchResult
		members = s.members.Load()
		now     = s.now()
		creates []IndexedPost
		live    []bool
		pending = make(map[string]int)
		deleted = make(map[string]struct{})
		deletes []string
	)

	for _, op := range batch.Ops {
		switch op.Kind {
		case OpCreate:
			if !members.IsMember(op.Author) {
				res.Rejected++
				continue
			}
			if _, dup := pending[op.URI]; dup {
				continue
			}
			pending[op.URI] = len(creates)
			creates = append(creates, IndexedPost{
				URI:       op.URI,
				CID:       op.CID,
				Creator:   op.Author,
				IndexedAt: now,
			})
			live = append(live, true)
			res.Accepted++

		case OpDelete:
			if i, ok := pending[op.URI]; ok {
				live[i] = false
				delete(pending, op.URI)
			}
			if _, seen := deleted[op.URI]; !seen {
				deleted[op.URI] = struct{}{}
				deletes = append(deletes, op.URI)
			}
		}
	}

	kept := creates[:0]
	for i, p := range creates {
		if live[i] {
			kept = append(kept, p)
		}
	}

	if len(kept) == 0 && len(deletes) == 0 {
		return res, nil
	}

	inserted, err := s.repo.ApplyBatch(ctx, deletes, kept)
	if err != nil {
		return res, fmt.Errorf("apply batch at %d: %w", batch.Position, err)
	}
	res.Inserted = inserted
	res.Deleted = len(deletes)
	if inserted > 0 || len(deletes) > 0 {
		s.stats.Delete(statsCacheKey)
	}
	return res, nil
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

// ClampLimit bounds a requested page size to [1, MaxLimit].
func (s *FeedService) ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > s.cfg.MaxLimit {
		return s.cfg.MaxLimit
	}
	return limit
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	if feedURI != s.cfg.FeedURI {
		return nil, &NotFoundError{Resource: "feed " + feedURI}
	}
	return s.page(ctx, nil, limit, cursor)
}

// ListPosts returns a page of stored posts, optionally restricted to one
// creator. It ignores membership and is meant for operators.
func (s *FeedService) ListPosts(ctx context.Context, creator string, limit int, cursor string) (*FeedSkeleton, error) {
	var creators []string
	if creator != "" {
		creators = []string{creator}
	}
	return s.page(ctx, creators, limit, cursor)
}

func (s *FeedService) page(ctx context.Context, creators []string, limit int, cursor string) (*FeedSkeleton, error) {
	q := PageQuery{Creators: creators, Limit: s.ClampLimit(limit)}
	if cursor != "" {
		c, err := ParseCursor(cursor)
		if err != nil {
			return nil, err
		}
		q.Before = &c
	}

	posts, next, err := s.repo.QueryPage(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query page: %w", err)
	}

	skeleton := &FeedSkeleton{Posts: make([]SkeletonPost, len(posts))}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	if next != nil {
		skeleton.Cursor = next.String()
	}
	return skeleton, nil
}

// Ping checks that the record store is reachable.
func (s *FeedService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Describe returns the static generator description.
func (s *FeedService) Describe() GeneratorDescription {
	desc := GeneratorDescription{DID: s.cfg.ServiceDID}
	for _, uri := range s.FeedURIs() {
		desc.Feeds = append(desc.Feeds, FeedDescription{URI: uri})
	}
	return desc
}

// InsertPost stores a post directly, bypassing the membership filter. The
// values are taken as given apart from rejecting blanks, so operators can
// backfill rows whose identifiers the firehose decoder would not accept. It
// is idempotent: inserting an existing URI reports false and changes nothing.
func (s *FeedService) InsertPost(ctx context.Context, uri, cid, creator string) (bool, error) {
	uri, cid, creator = strings.TrimSpace(uri), strings.TrimSpace(cid), strings.TrimSpace(creator)
	if uri == "" {
		return false, Invalid("uri", "is required")
	}
	if cid == "" {
		return false, Invalid("cid", "is required")
	}
	if creator == "" {
		return false, Invalid("creator", "is required")
	}

	n, err := s.repo.UpsertPosts(ctx, []IndexedPost{{
		URI:       uri,
		CID:       cid,
		Creator:   creator,
		IndexedAt: s.now(),
	}})
	if err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	s.stats.Delete(statsCacheKey)

	s.logger.Info("admin inserted post", "uri", uri, "creator", creator, "inserted", n > 0)
	return n > 0, nil
}

// UpdateFeed checks that every URI is already stored for the given feed and
// returns the number of posts the feed serves.
func (s *FeedService) UpdateFeed(ctx context.Context, feedURI string, postURIs []string) (int64, error) {
	if feedURI != s.cfg.FeedURI {
		return 0, &NotFoundError{Resource: "feed " + feedURI}
	}
	if len(postURIs) == 0 {
		return 0, Invalid("postUris", "at least one uri is required")
	}

	missing, err := s.repo.MissingPosts(ctx, postURIs)
	if err != nil {
		return 0, fmt.Errorf("check posts: %w", err)
	}
	if len(missing) > 0 {
		return 0, &NotFoundError{Resource: "posts", Missing: missing}
	}

	count, err := s.repo.CountPosts(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	s.stats.Delete(statsCacheKey)
	return count, nil
}

// Stats returns aggregate store statistics. Results are cached briefly.
func (s *FeedService) Stats(ctx context.Context) (*Stats, error) {
	if cached, ok := s.stats.Get(statsCacheKey); ok {
		return cached.(*Stats), nil
	}

	total, err := s.repo.CountPosts(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}

	var feedPosts int64
	if members := s.members.Load().Members(); len(members) > 0 {
		feedPosts, err = s.repo.CountPosts(ctx, members)
		if err != nil {
			return nil, fmt.Errorf("count member posts: %w", err)
		}
	}

	creators, err := s.repo.CountByCreator(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by creator: %w", err)
	}

	stats := &Stats{
		Posts:     total,
		FeedPosts: feedPosts,
		Feeds:     []FeedCount{{Feed: s.cfg.FeedURI, Count: total}},
		Creators:  creators,
	}
	s.stats.SetDefault(statsCacheKey, stats)
	return stats, nil
}

// StartCleanupJob removes posts older than maxAge and caps the total at
// maxRows on the schedule given by cronExpr. It blocks until ctx is
// cancelled.
func (s *FeedService) StartCleanupJob(ctx context.Context, cronExpr string, maxAge time.Duration, maxRows int) error {
	if !gronx.IsValid(cronExpr) {
		return fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	s.logger.Info("retention enabled", "cron", cronExpr, "max_age", maxAge, "max_rows", maxRows)

	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			return fmt.Errorf("next retention tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.runCleanup(ctx, maxAge, maxRows)
	}
}

func (s *FeedService) runCleanup(ctx context.Context, maxAge time.Duration, maxRows int) {
	deleted, err := s.repo.DeleteOldPosts(ctx, maxAge, maxRows)
	if err != nil {
		s.logger.Error("post cleanup failed", "error", err)
	} else if deleted > 0 {
		s.stats.Delete(statsCacheKey)
		s.logger.Info("post cleanup complete", "deleted", deleted)
	}
}
