package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FeedSkeleton is the response body for getFeedSkeleton.
type FeedSkeleton struct {
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string
}

// FeedDescription describes a single feed served by this generator.
type FeedDescription struct {
	// URI is the AT-URI of the feed generator record.
	URI string
}

// GeneratorDescription is the response body for describeFeedGenerator.
type GeneratorDescription struct {
	DID   string
	Feeds []FeedDescription
}

// FeedCount is the number of rows a feed currently serves.
type FeedCount struct {
	Feed  string
	Count int64
}

// CreatorCount is the number of stored rows authored by one creator.
type CreatorCount struct {
	Creator string
	Count   int64
}

// Stats is the operator view over the record store.
type Stats struct {
	Posts     int64
	FeedPosts int64
	Feeds     []FeedCount
	Creators  []CreatorCount
}

// PageCursor identifies the last row of a page. Rows after it in
// (indexedAt DESC, uri ASC) order form the next page.
type PageCursor struct {
	IndexedAt time.Time
	URI       string
}

// String encodes the cursor as "unixMicros::uri".
func (c PageCursor) String() string {
	return fmt.Sprintf("%d::%s", c.IndexedAt.UnixMicro(), c.URI)
}

// ParseCursor decodes a cursor produced by PageCursor.String.
func ParseCursor(s string) (PageCursor, error) {
	parts := strings.SplitN(s, "::", 2)
	if len(parts) != 2 || parts[1] == "" {
		return PageCursor{}, Invalid("cursor", "must be in format 'timestamp::uri'")
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return PageCursor{}, Invalid("cursor", "invalid timestamp %q", parts[0])
	}
	return PageCursor{IndexedAt: time.UnixMicro(micros).UTC(), URI: parts[1]}, nil
}

// PageQuery selects a page of posts. Creators restricts results to the
// given authors when non-empty; Before, when set, returns only rows after
// that cursor.
type PageQuery struct {
	Creators []string
	Before   *PageCursor
	Limit    int
}
