package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/blackmichael/member-feed/internal/domain"
	"github.com/blackmichael/member-feed/internal/metrics"
)

const (
	// StreamName is the checkpoint key for the Jetstream subscription.
	StreamName = "jetstream"

	statsLogInterval = 30 * time.Second
	maxMessageSize   = 1 << 20
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Only post events are needed for feed matching.
var wantedCollections = []string{
	domain.PostCollection,
}

// State is the subscriber's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Options tunes the subscriber. Zero durations and sizes take the defaults
// noted below.
type Options struct {
	URL string

	// ReconnectDelay is the first wait after a transport error (1s).
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential reconnect backoff (1m).
	MaxReconnectDelay time.Duration

	// ReadTimeout closes a connection that delivers nothing for this long (60s).
	ReadTimeout time.Duration

	// BatchSize is the number of frames collected before a flush (100).
	BatchSize int

	// FlushInterval flushes a partial batch after this long (1s).
	FlushInterval time.Duration

	// StoreRetries bounds retries of a batch on transient store errors.
	// Zero or negative means a single attempt; there is no implicit default.
	StoreRetries int

	// RetryDelay is the first wait between store retries (200ms).
	RetryDelay time.Duration

	// WriteTimeout bounds a single batch write including retries (30s).
	WriteTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = max(time.Minute, o.ReconnectDelay)
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.StoreRetries < 0 {
		o.StoreRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 30 * time.Second
	}
}

// Subscriber connects to the Jetstream firehose, batches events and applies
// them through the feed service, checkpointing after every committed batch.
type Subscriber struct {
	opts        Options
	dialer      *websocket.Dialer
	feedService *domain.FeedService
	metrics     *metrics.Metrics
	logger      *slog.Logger

	state      atomic.Int32
	checkpoint atomic.Int64
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(
	opts Options,
	feedService *domain.FeedService,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Subscriber {
	opts.setDefaults()
	return &Subscriber{
		opts:        opts,
		dialer:      websocket.DefaultDialer,
		feedService: feedService,
		metrics:     m,
		logger:      logger,
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Checkpoint returns the last position persisted by this subscriber, or 0.
func (s *Subscriber) Checkpoint() int64 {
	return s.checkpoint.Load()
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.ConsumerState.Set(float64(st))
}

// Run connects to the firehose and processes events until ctx is cancelled,
// reconnecting with exponential backoff after every transport error. It
// only returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = s.opts.ReconnectDelay
	reconnect.MaxInterval = s.opts.MaxReconnectDelay
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		s.setState(StateConnecting)
		delivered, err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			reconnect.Reset()
		}

		wait := reconnect.NextBackOff()
		s.setState(StateReconnecting)
		s.metrics.Reconnects.Inc()
		s.logger.Error("firehose connection error, reconnecting", "error", err, "delay", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Subscriber) buildURL(cursor int64, resume bool) (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if resume {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// subscribe runs one connection. delivered reports whether any message was
// received, which resets the reconnect backoff.
func (s *Subscriber) subscribe(ctx context.Context) (delivered bool, err error) {
	cursor, resume, err := s.feedService.GetCursor(ctx, StreamName)
	if err != nil {
		// Starting live here would silently skip everything since the
		// checkpoint, so wait for the store instead.
		return false, fmt.Errorf("load cursor: %w", err)
	}

	wsURL, err := s.buildURL(cursor, resume)
	if err != nil {
		return false, err
	}
	s.logger.Info("connecting to firehose", "url", wsURL, "resume", resume)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: dial firehose: %w", domain.ErrTransport, err)
	}
	conn.SetReadLimit(maxMessageSize)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	s.setState(StateStreaming)
	s.logger.Info("connected to firehose")

	frames := make(chan []byte, s.opts.BatchSize)
	readErr := make(chan error, 1)
	go s.readLoop(sessCtx, conn, frames, readErr)

	var (
		batch        pendingBatch
		stats        sessionStats
		lastStatsLog = time.Now()
		flushTicker  = time.NewTicker(s.opts.FlushInterval)
	)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(ctx, &batch, &stats)
			return delivered, ctx.Err()

		case msg, ok := <-frames:
			if !ok {
				s.flush(ctx, &batch, &stats)
				select {
				case err := <-readErr:
					return delivered, fmt.Errorf("%w: read message: %w", domain.ErrTransport, err)
				default:
					return delivered, fmt.Errorf("%w: connection closed", domain.ErrTransport)
				}
			}
			delivered = true
			s.consume(msg, &batch, &stats)
			if batch.frames >= s.opts.BatchSize {
				s.flush(ctx, &batch, &stats)
			}

		case <-flushTicker.C:
			s.flush(ctx, &batch, &stats)
			if time.Since(lastStatsLog) >= statsLogInterval {
				s.logger.Info("firehose stats",
					"events_received", stats.events,
					"posts_accepted", stats.accepted,
					"posts_deleted", stats.deleted,
					"decode_errors", stats.decodeErrors,
					"batches_dropped", stats.dropped,
					"checkpoint", s.Checkpoint(),
				)
				lastStatsLog = time.Now()
			}
		}
	}
}

// readLoop pushes raw messages to frames until the connection fails or the
// session ends. It always closes frames on exit.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- []byte, readErr chan<- error) {
	defer close(frames)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
			readErr <- err
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// pendingBatch accumulates decoded operations between flushes.
type pendingBatch struct {
	ops      []domain.Operation
	position int64
	frames   int
}

type sessionStats struct {
	events       int64
	accepted     int64
	deleted      int64
	decodeErrors int64
	dropped      int64
}

func (s *Subscriber) consume(msg []byte, batch *pendingBatch, stats *sessionStats) {
	batch.frames++
	stats.events++

	f, err := decodeFrame(msg)
	if f.Position > batch.position {
		batch.position = f.Position
	}
	if err != nil {
		stats.decodeErrors++
		s.metrics.DecodeErrors.Inc()
		s.logger.Warn("skipping malformed event", "error", err)
		return
	}

	s.metrics.Events.WithLabelValues(f.Kind).Inc()
	if f.Op != nil {
		batch.ops = append(batch.ops, *f.Op)
	}
}

// flush writes the pending batch and, if it commits, advances the
// checkpoint. Writes run detached from ctx so a shutdown lets the current
// batch finish.
func (s *Subscriber) flush(ctx context.Context, batch *pendingBatch, stats *sessionStats) {
	if batch.frames == 0 {
		return
	}
	b := domain.Batch{Ops: batch.ops, Position: batch.position}
	*batch = pendingBatch{}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.WriteTimeout)
	defer cancel()

	res, err := s.applyWithRetry(writeCtx, b)
	if err != nil {
		stats.dropped++
		s.metrics.Batches.WithLabelValues("dropped").Inc()
		if errors.Is(err, domain.ErrStorageCorruption) {
			s.logger.Error("storage corruption, dropping batch",
				"position", b.Position, "operations", len(b.Ops), "error", err)
		} else {
			s.logger.Error("store unavailable after retries, dropping batch (data loss)",
				"position", b.Position, "operations", len(b.Ops), "error", err)
		}
		return
	}

	s.metrics.Batches.WithLabelValues("committed").Inc()
	s.metrics.Ops.WithLabelValues("create", "accepted").Add(float64(res.Accepted))
	s.metrics.Ops.WithLabelValues("create", "rejected").Add(float64(res.Rejected))
	s.metrics.Ops.WithLabelValues("delete", "applied").Add(float64(res.Deleted))
	stats.accepted += int64(res.Accepted)
	stats.deleted += int64(res.Deleted)

	if b.Position <= 0 {
		return
	}
	if err := s.feedService.UpdateCursor(writeCtx, StreamName, b.Position); err != nil {
		s.logger.Error("failed to save cursor", "position", b.Position, "error", err)
		return
	}
	s.checkpoint.Store(b.Position)
	s.metrics.Checkpoint.Set(float64(b.Position))
}

// applyWithRetry retries transient store failures a bounded number of times.
// Anything other than ErrStorageUnavailable is returned immediately.
func (s *Subscriber) applyWithRetry(ctx context.Context, b domain.Batch) (domain.BatchResult, error) {
	var res domain.BatchResult
	op := func() error {
		var err error
		res, err = s.feedService.ApplyBatch(ctx, b)
		if err != nil && !errors.Is(err, domain.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.opts.RetryDelay
	retry.MaxInterval = 10 * s.opts.RetryDelay
	retry.MaxElapsedTime = 0
	retry.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(retry, uint64(s.opts.StoreRetries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		s.metrics.Batches.WithLabelValues("retried").Inc()
		s.logger.Warn("batch write failed, retrying", "position", b.Position, "delay", wait, "error", err)
	})
	return res, err
}
