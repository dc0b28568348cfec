// Package acquisition drives the periodic download of samples from one
// device into the sample log.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nhirsama/picolog/src/clock"
	"github.com/nhirsama/picolog/src/datastore"
	"github.com/nhirsama/picolog/src/decoder"
	"github.com/nhirsama/picolog/src/inter"
	"github.com/nhirsama/picolog/src/timeline"
)

// mirrorTimeout bounds a single mirror write.
const mirrorTimeout = 10 * time.Second

// Config holds the loop parameters. It is not modified after New.
type Config struct {
	HandlerID      uint16
	DrainParameter int32
	CapturePeriod  time.Duration
	DownloadPeriod time.Duration
	// GapWarnThreshold is the unreported interval above which a warning is
	// logged. Zero disables the warning.
	GapWarnThreshold time.Duration
	// RingCapacity is the device buffer size in samples. A batch of exactly
	// this size means the buffer filled up. Zero disables the warning.
	RingCapacity int
}

// Loop polls a device, reconstructs sample timestamps and persists each
// batch. The primary sink must succeed; mirrors are best effort.
type Loop struct {
	cfg     Config
	dial    inter.Dialer
	primary inter.SampleSink
	mirrors []inter.SampleSink
	clock   clock.Clock
	logger  *slog.Logger

	state atomic.Int32
}

// New creates a Loop. The loop does not own primary or mirrors; the caller
// closes them.
func New(cfg Config, dial inter.Dialer, primary inter.SampleSink, clk clock.Clock, logger *slog.Logger, mirrors ...inter.SampleSink) *Loop {
	return &Loop{
		cfg:     cfg,
		dial:    dial,
		primary: primary,
		mirrors: mirrors,
		clock:   clk,
		logger:  logger,
	}
}

// State reports the state the loop is currently in.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) enter(s State) {
	if State(l.state.Swap(int32(s))) != s {
		l.logger.Debug("acquisition state", "state", s.String())
	}
}

// Run connects, then polls every DownloadPeriod until ctx ends or a fatal
// error occurs, starting with prevEnd as the end of the last persisted
// batch. Cancellation is not an error. The channel is closed exactly once on
// every return path.
func (l *Loop) Run(ctx context.Context, prevEnd time.Time) (err error) {
	l.enter(Connecting)
	ch, err := l.dial(ctx)
	if err != nil {
		l.enter(ShuttingDown)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		l.enter(ShuttingDown)
		if cerr := ch.Close(); cerr != nil {
			l.logger.Warn("closing device channel", "error", cerr)
		}
	}()

	for {
		prevEnd, err = l.Cycle(ctx, ch, prevEnd)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				l.logger.Info("acquisition cancelled")
				return nil
			}
			return err
		}

		l.enter(Sleeping)
		select {
		case <-ctx.Done():
			l.logger.Info("acquisition cancelled")
			return nil
		case <-l.clock.After(l.cfg.DownloadPeriod):
		}
	}
}

// Cycle performs one poll, decode and persist step and returns the end time
// to carry into the next cycle. On error prevEnd is returned unchanged and
// nothing has been persisted.
func (l *Loop) Cycle(ctx context.Context, ch inter.Channel, prevEnd time.Time) (time.Time, error) {
	l.enter(Polling)
	requestTime := l.clock.Now()
	payload, status, err := ch.Invoke(ctx, l.cfg.HandlerID, l.cfg.DrainParameter)
	if err != nil {
		return prevEnd, err
	}

	l.enter(Decoding)
	values, err := decoder.Decode(payload, status)
	if err != nil {
		return prevEnd, err
	}

	l.enter(Persisting)
	res := timeline.Reconstruct(requestTime, values, l.cfg.CapturePeriod, prevEnd)
	l.signalLoss(res, prevEnd)
	if len(values) == 0 {
		l.logger.Debug("no new samples")
		return prevEnd, nil
	}

	// 已取出的采样必须写完，即使此时收到取消
	persistCtx := context.WithoutCancel(ctx)
	if err := l.primary.WriteBatch(persistCtx, res.Batch); err != nil {
		return prevEnd, fmt.Errorf("persisting batch: %w", err)
	}
	for _, m := range l.mirrors {
		mctx, cancel := context.WithTimeout(persistCtx, mirrorTimeout)
		if err := m.WriteBatch(mctx, res.Batch); err != nil {
			l.logger.Warn("mirror write failed", "error", err)
		}
		cancel()
	}

	l.logger.Info("batch persisted",
		"count", len(values),
		"start", datastore.FormatTimestamp(res.Batch.Start),
		"end", datastore.FormatTimestamp(res.End),
	)
	return res.End, nil
}

func (l *Loop) signalLoss(res timeline.Result, prevEnd time.Time) {
	if l.cfg.RingCapacity > 0 && res.Batch.Len() == l.cfg.RingCapacity {
		l.logger.Warn("device buffer was full, samples were probably overwritten",
			"count", res.Batch.Len())
	}
	// 首次轮询前没有历史数据，缺口没有意义
	if prevEnd.Equal(Epoch) || res.Batch.Len() == 0 {
		return
	}
	if l.cfg.GapWarnThreshold > 0 && res.Gap > l.cfg.GapWarnThreshold {
		l.logger.Warn("gap between batches", "gap", res.Gap, "after", datastore.FormatTimestamp(prevEnd))
	}
	if res.Overlap > 0 {
		l.logger.Debug("batch start clamped to previous end", "overlap", res.Overlap)
	}
}
