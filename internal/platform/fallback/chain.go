// Package fallback is the durability chain used when the primary audit store
// rejects a write. Events go to a secondary Redis queue, then to a local
// append-only file, and as a last resort into the process log, so a
// compliance event always leaves at least one trace.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/audit"
)

// Config sets the queue depth alert thresholds.
type Config struct {
	WarnDepth     int64
	CriticalDepth int64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{WarnDepth: 1000, CriticalDepth: 10000}
}

// RetryResult summarizes one drain pass.
type RetryResult struct {
	Attempted    int `json:"attempted"`
	Stored       int `json:"stored"`
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"dead_lettered"`
}

// ReplayResult summarizes a file replay.
type ReplayResult struct {
	Read       int    `json:"read"`
	Stored     int    `json:"stored"`
	Skipped    int    `json:"skipped"`
	ArchivedAs string `json:"archived_as,omitempty"`
}

// Chain implements audit.Fallback.
type Chain struct {
	queue   Queue
	file    *FileSink
	primary audit.Store
	cfg     Config
	alerter Alerter
	metrics *Metrics
	now     func() time.Time
	logger  zerolog.Logger

	alertMu   sync.Mutex
	lastAlert AlertLevel
}

// Option configures a Chain.
type Option func(*Chain)

func WithAlerter(a Alerter) Option {
	return func(c *Chain) { c.alerter = a }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// NewChain builds the chain. queue may be nil when no secondary queue is
// configured, in which case events go straight to the file sink.
func NewChain(queue Queue, file *FileSink, primary audit.Store, cfg Config, logger zerolog.Logger, opts ...Option) (*Chain, error) {
	if file == nil {
		return nil, errors.New("fallback: file sink is required")
	}
	if primary == nil {
		return nil, errors.New("fallback: primary store is required")
	}
	if cfg.WarnDepth <= 0 || cfg.CriticalDepth <= cfg.WarnDepth {
		return nil, fmt.Errorf("fallback: depth thresholds must satisfy 0 < warn < critical, got %d/%d",
			cfg.WarnDepth, cfg.CriticalDepth)
	}
	c := &Chain{
		queue:   queue,
		file:    file,
		primary: primary,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "audit-fallback").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alerter == nil {
		c.alerter = NewLogAlerter(logger)
	}
	return c, nil
}

// Enqueue persists the event through the first tier that accepts it. It
// returns false only when every durable tier failed and the event survives
// solely as a log line.
func (c *Chain) Enqueue(ctx context.Context, e *audit.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Error().Err(err).Str("severity", "critical").
			Str("event_id", e.ID.String()).Interface("event", e).
			Msg("audit event could not be encoded for fallback")
		c.count("log")
		return false
	}

	if c.queue != nil {
		depth, err := c.queue.Push(ctx, data)
		if err == nil {
			c.count("queue")
			if c.metrics != nil {
				c.metrics.QueueDepth.Set(float64(depth))
			}
			c.checkDepth(ctx, depth)
			return true
		}
		c.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("fallback queue unavailable, writing to local file")
	}

	err = c.file.Append(e)
	if err == nil {
		c.count("file")
		c.logger.Warn().Str("event_id", e.ID.String()).Str("path", c.file.Path()).Msg("audit event written to fallback file")
		return true
	}
	c.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("fallback file unavailable")

	c.logger.Error().
		Str("severity", "critical").
		Str("event_id", e.ID.String()).
		RawJSON("event", data).
		Msg("audit event could not be persisted by any fallback tier")
	c.count("log")
	return false
}

func (c *Chain) count(tier string) {
	if c.metrics != nil {
		c.metrics.Enqueued.WithLabelValues(tier).Inc()
	}
}

// checkDepth raises an alert each time the queue crosses into a higher
// threshold band. Dropping back below a band re-arms it.
func (c *Chain) checkDepth(ctx context.Context, depth int64) {
	level := AlertNone
	switch {
	case depth >= c.cfg.CriticalDepth:
		level = AlertCritical
	case depth >= c.cfg.WarnDepth:
		level = AlertWarning
	}

	c.alertMu.Lock()
	raise := level > c.lastAlert
	c.lastAlert = level
	c.alertMu.Unlock()

	if raise {
		c.alerter.Alert(ctx, level, depth, fmt.Sprintf("audit fallback queue depth %d reached %s threshold", depth, level))
	}
}

// RetryPending drains up to max entries from the queue into the primary
// store. An entry the primary store rejects goes back to the head of the
// queue and the pass stops, since the store is evidently still down.
// Entries that cannot be decoded or fail their integrity hash are moved to
// the file sink as dead letters.
func (c *Chain) RetryPending(ctx context.Context, max int) (RetryResult, error) {
	var res RetryResult
	if c.queue == nil {
		return res, nil
	}

	for res.Attempted < max {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := c.queue.Pop(ctx)
		if errors.Is(err, ErrQueueEmpty) {
			break
		}
		if err != nil {
			return res, err
		}
		res.Attempted++

		var e audit.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			c.deadLetter(raw, fmt.Sprintf("undecodable entry: %v", err))
			res.DeadLettered++
			continue
		}
		if !audit.VerifyHash(&e) {
			c.deadLetter(raw, "integrity hash mismatch")
			res.DeadLettered++
			continue
		}

		if err := c.primary.InsertEvents(ctx, []*audit.Event{&e}); err != nil {
			c.requeue(ctx, raw, &e)
			res.Requeued++
			if c.metrics != nil {
				c.metrics.Requeued.Inc()
			}
			return res, fmt.Errorf("fallback: retry %s: %w", e.ID, err)
		}
		res.Stored++
		if c.metrics != nil {
			c.metrics.Retried.Inc()
		}
		c.recordViolations(ctx, []*audit.Event{&e})
	}

	if depth, err := c.queue.Depth(ctx); err == nil {
		if c.metrics != nil {
			c.metrics.QueueDepth.Set(float64(depth))
		}
		c.checkDepth(ctx, depth)
	}
	return res, nil
}

func (c *Chain) requeue(ctx context.Context, raw []byte, e *audit.Event) {
	_, err := c.queue.PushFront(ctx, raw)
	if err == nil {
		return
	}
	c.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("requeue failed, writing to fallback file")
	if err := c.file.Append(e); err != nil {
		c.logger.Error().Err(err).Str("severity", "critical").Str("event_id", e.ID.String()).
			RawJSON("event", raw).Msg("audit event could not be requeued or written to file")
	}
}

func (c *Chain) deadLetter(raw []byte, reason string) {
	if c.metrics != nil {
		c.metrics.DeadLettered.Inc()
	}
	if err := c.file.DeadLetter(raw, reason); err != nil {
		c.logger.Error().Err(err).Str("severity", "critical").Str("reason", reason).
			Bytes("raw", raw).Msg("dead letter could not be written")
		return
	}
	c.logger.Warn().Str("reason", reason).Msg("fallback queue entry dead-lettered")
}

// recordViolations runs violation detection over events that reached the
// primary store through the chain. The store drops repeats, so an event that
// was already scanned before it fell back is not reported twice.
func (c *Chain) recordViolations(ctx context.Context, events []*audit.Event) {
	violations := audit.DetectViolations(events, c.now().UTC())
	if len(violations) == 0 {
		return
	}
	if err := c.primary.InsertViolations(ctx, violations); err != nil {
		c.logger.Error().Err(err).Int("violations", len(violations)).Msg("failed to record compliance violations for recovered events")
		return
	}
	for _, v := range violations {
		c.logger.Warn().
			Str("violation_id", v.ID.String()).
			Str("event_id", v.EventID.String()).
			Str("category", string(v.Category)).
			Msg("compliance violation detected in recovered event")
	}
}

// Depth returns the current secondary queue depth, or 0 without a queue.
func (c *Chain) Depth(ctx context.Context) (int64, error) {
	if c.queue == nil {
		return 0, nil
	}
	return c.queue.Depth(ctx)
}

// ReplayFile inserts every fallback event found in path into the primary
// store and then renames the file so it is not replayed twice. An empty
// path means the chain's own file sink. A missing file is not an error.
func (c *Chain) ReplayFile(ctx context.Context, path string) (ReplayResult, error) {
	var res ReplayResult
	if path == "" || path == c.file.Path() {
		path = c.file.Path()
		c.file.mu.Lock()
		defer c.file.mu.Unlock()
	}

	ok, err := fileExists(path)
	if err != nil {
		return res, fmt.Errorf("fallback: stat %s: %w", path, err)
	}
	if !ok {
		return res, nil
	}

	events, skipped, err := ReadEvents(path)
	if err != nil {
		return res, err
	}
	res.Read = len(events)
	res.Skipped = skipped

	const batchSize = 100
	for start := 0; start < len(events); start += batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+batchSize, len(events))
		if err := c.primary.InsertEvents(ctx, events[start:end]); err != nil {
			return res, fmt.Errorf("fallback: replay %s: %w", path, err)
		}
		res.Stored += end - start
		if c.metrics != nil {
			c.metrics.Replayed.Add(float64(end - start))
		}
		c.recordViolations(ctx, events[start:end])
	}

	archived := fmt.Sprintf("%s.replayed-%s", path, c.now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, archived); err != nil {
		return res, fmt.Errorf("fallback: archive %s: %w", path, err)
	}
	res.ArchivedAs = archived

	c.logger.Info().Str("path", path).Int("stored", res.Stored).Int("skipped", res.Skipped).
		Str("archived_as", archived).Msg("fallback file replayed")
	return res, nil
}

// Run drains the queue every interval until ctx is cancelled.
func (c *Chain) Run(ctx context.Context, interval time.Duration, batch int) error {
	if c.queue == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := c.RetryPending(ctx, batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn().Err(err).Int("stored", res.Stored).Msg("fallback drain stopped early")
				continue
			}
			if res.Attempted > 0 {
				c.logger.Info().
					Int("attempted", res.Attempted).
					Int("stored", res.Stored).
					Int("requeued", res.Requeued).
					Int("dead_lettered", res.DeadLettered).
					Msg("fallback queue drained")
			}
		}
	}
}
