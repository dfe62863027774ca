package firehose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/member-feed/internal/domain"
	"github.com/blackmichael/member-feed/internal/metrics"
	"github.com/blackmichael/member-feed/internal/sqlite"
)

const (
	alice   = "did:plc:alice"
	mallory = "did:plc:mallory"
	feedURI = "at://did:plc:publisher/app.bsky.feed.generator/members"
)

// upstream is a fake Jetstream endpoint. Frames pushed on frames go to the
// current connection; a value on hangup closes it.
type upstream struct {
	srv    *httptest.Server
	frames chan string
	hangup chan struct{}

	mu      sync.Mutex
	queries []url.Values
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		frames: make(chan string, 16),
		hangup: make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		u.mu.Lock()
		u.queries = append(u.queries, r.URL.Query())
		u.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case f := <-u.frames:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			case <-u.hangup:
				return
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http") + "/subscribe"
}

func (u *upstream) connections() []url.Values {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]url.Values(nil), u.queries...)
}

// flakyStore wraps a real store with switchable failures.
type flakyStore struct {
	*sqlite.Store
	failApply  atomic.Bool
	failCursor atomic.Bool
	applyCalls atomic.Int32
}

func (f *flakyStore) ApplyBatch(ctx context.Context, deletes []string, creates []domain.IndexedPost) (int64, error) {
	f.applyCalls.Add(1)
	if f.failApply.Load() {
		return 0, &domain.StorageError{Op: "apply batch", Kind: domain.ErrStorageUnavailable, Err: errors.New("database is locked")}
	}
	return f.Store.ApplyBatch(ctx, deletes, creates)
}

func (f *flakyStore) GetCursor(ctx context.Context, service string) (int64, bool, error) {
	if f.failCursor.Load() {
		return 0, false, &domain.StorageError{Op: "get cursor", Kind: domain.ErrStorageUnavailable, Err: errors.New("disk I/O error")}
	}
	return f.Store.GetCursor(ctx, service)
}

type harness struct {
	store   *flakyStore
	sub     *Subscriber
	metrics *metrics.Metrics
	up      *upstream
}

func newHarness(t *testing.T, tweaks ...func(*Options)) *harness {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store := &flakyStore{Store: st}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := domain.NewFeedService(domain.FeedServiceConfig{
		ServiceDID: "did:web:feed.example.com",
		FeedURI:    feedURI,
	}, domain.NewMembershipFilter([]string{alice}), store, store, logger)
	require.NoError(t, err)

	up := newUpstream(t)
	m := metrics.New()
	opts := Options{
		URL:               up.url(),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		FlushInterval:     10 * time.Millisecond,
		RetryDelay:        time.Millisecond,
		StoreRetries:      2,
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	sub := NewSubscriber(opts, svc, m, logger)

	return &harness{store: store, sub: sub, metrics: m, up: up}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("subscriber did not stop")
		}
	})
}

func (h *harness) count(t *testing.T) int64 {
	n, err := h.store.CountPosts(context.Background(), nil)
	require.NoError(t, err)
	return n
}

func createFrame(did, rkey string, timeUS int64) string {
	return fmt.Sprintf(`{"did":%q,"time_us":%d,"kind":"commit","commit":{"rev":"r","operation":"create","collection":"app.bsky.feed.post","rkey":%q,"record":{"$type":"app.bsky.feed.post","text":"hello","createdAt":"2024-09-01T00:00:00Z"},"cid":"bafy%s"}}`, did, timeUS, rkey, rkey)
}

func deleteFrame(did, rkey string, timeUS int64) string {
	return fmt.Sprintf(`{"did":%q,"time_us":%d,"kind":"commit","commit":{"rev":"r","operation":"delete","collection":"app.bsky.feed.post","rkey":%q}}`, did, timeUS, rkey)
}

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func TestSubscriber_IndexesMemberPostsAndDeletes(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.up.frames <- createFrame(alice, "a1", 100)
	h.up.frames <- createFrame(mallory, "m1", 101)

	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 101 }, waitFor, tick)
	assert.Equal(t, int64(1), h.count(t))
	missing, err := h.store.MissingPosts(context.Background(), []string{
		"at://did:plc:alice/app.bsky.feed.post/a1",
		"at://did:plc:mallory/app.bsky.feed.post/m1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"at://did:plc:mallory/app.bsky.feed.post/m1"}, missing)
	assert.Equal(t, StateStreaming, h.sub.State())

	h.up.frames <- deleteFrame(alice, "a1", 102)
	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 102 }, waitFor, tick)
	assert.Equal(t, int64(0), h.count(t))

	cursor, ok, err := h.store.GetCursor(context.Background(), StreamName)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(102), cursor)
	assert.Equal(t, float64(102), testutil.ToFloat64(h.metrics.Checkpoint))
}

func TestSubscriber_SkipsMalformedFrames(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.up.frames <- `{"did":`
	h.up.frames <- `{"did":"did:plc:alice","time_us":200,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":"bad","record":null,"cid":"bafy"}}`
	h.up.frames <- createFrame(alice, "a2", 201)

	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 201 }, waitFor, tick)
	assert.Equal(t, int64(1), h.count(t))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.DecodeErrors))
}

func TestSubscriber_ResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpdateCursor(context.Background(), StreamName, 500))
	h.run(t)

	require.Eventually(t, func() bool { return len(h.up.connections()) == 1 }, waitFor, tick)
	q := h.up.connections()[0]
	assert.Equal(t, "500", q.Get("cursor"))
	assert.Equal(t, []string{domain.PostCollection}, q["wantedCollections"])
}

func TestSubscriber_ReconnectsFromLastCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	require.Eventually(t, func() bool { return len(h.up.connections()) == 1 }, waitFor, tick)
	assert.False(t, h.up.connections()[0].Has("cursor"))

	h.up.frames <- createFrame(alice, "a1", 300)
	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 300 }, waitFor, tick)

	h.up.hangup <- struct{}{}
	require.Eventually(t, func() bool { return len(h.up.connections()) == 2 }, waitFor, tick)
	assert.Equal(t, "300", h.up.connections()[1].Get("cursor"))
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Reconnects), float64(1))

	// Replayed frames are idempotent.
	h.up.frames <- createFrame(alice, "a1", 300)
	h.up.frames <- createFrame(alice, "a2", 301)
	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 301 }, waitFor, tick)
	assert.Equal(t, int64(2), h.count(t))
}

func TestSubscriber_DropsBatchWhenStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.failApply.Store(true)
	h.run(t)

	h.up.frames <- createFrame(alice, "lost", 400)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Batches.WithLabelValues("dropped")) == 1
	}, waitFor, tick)

	assert.Equal(t, int32(3), h.store.applyCalls.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.Batches.WithLabelValues("retried")))
	assert.Equal(t, int64(0), h.sub.Checkpoint())
	_, ok, err := h.store.GetCursor(context.Background(), StreamName)
	require.NoError(t, err)
	assert.False(t, ok)

	h.store.failApply.Store(false)
	h.up.frames <- createFrame(alice, "kept", 401)
	require.Eventually(t, func() bool { return h.sub.Checkpoint() == 401 }, waitFor, tick)
	assert.Equal(t, int64(1), h.count(t))
}

func TestSubscriber_ZeroStoreRetriesMakesOneAttempt(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.StoreRetries = 0 })
	h.store.failApply.Store(true)
	h.run(t)

	h.up.frames <- createFrame(alice, "once", 500)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Batches.WithLabelValues("dropped")) == 1
	}, waitFor, tick)

	assert.Equal(t, int32(1), h.store.applyCalls.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(h.metrics.Batches.WithLabelValues("retried")))
}

func TestSubscriber_WaitsForCursorStore(t *testing.T) {
	h := newHarness(t)
	h.store.failCursor.Store(true)
	h.run(t)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Reconnects) >= 2
	}, waitFor, tick)
	assert.Empty(t, h.up.connections())

	h.store.failCursor.Store(false)
	require.Eventually(t, func() bool { return len(h.up.connections()) == 1 }, waitFor, tick)
}
