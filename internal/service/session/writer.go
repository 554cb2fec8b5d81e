package session

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/pairchat/internal/transport"
)

type outbound struct {
	data  []byte
	seq   uint64
	epoch uint64
}

type sendFailure struct {
	seq uint64
	err error
}

// writer owns all ordinary writes to the channel so frames leave in the order
// the session loop produced them. Frames from an older link epoch are dropped:
// the resume handshake replays whatever the peer has not acknowledged.
type writer struct {
	ch       transport.Channel
	queue    chan outbound
	failures chan<- sendFailure
	epoch    *atomic.Uint64
	retries  int
	backoff  BackoffConfig
	logger   zerolog.Logger
}

func newWriter(ch transport.Channel, cfg Config, epoch *atomic.Uint64, failures chan<- sendFailure, logger zerolog.Logger) *writer {
	return &writer{
		ch:       ch,
		queue:    make(chan outbound, cfg.BacklogLimit+cfg.ReorderWindow),
		failures: failures,
		epoch:    epoch,
		retries:  cfg.SendRetries,
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

// offer queues a frame without blocking; false means the queue is full.
func (w *writer) offer(ob outbound) bool {
	select {
	case w.queue <- ob:
		return true
	default:
		return false
	}
}

func (w *writer) run(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case ob := <-w.queue:
			w.write(ctx, ob, rng)
		}
	}
}

func (w *writer) write(ctx context.Context, ob outbound, rng *rand.Rand) {
	var lastErr error
	for attempt := 1; attempt <= w.retries; attempt++ {
		if ob.epoch != w.epoch.Load() {
			return
		}
		err := w.ch.Send(ctx, ob.data)
		if err == nil {
			return
		}
		lastErr = err
		if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil || attempt == w.retries {
			break
		}

		delay := NextBackoffDelay(w.backoff, attempt, rng)
		w.logger.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Uint64("seq", ob.seq).Msg("write failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if ctx.Err() != nil || ob.epoch != w.epoch.Load() {
		return
	}
	select {
	case w.failures <- sendFailure{seq: ob.seq, err: lastErr}:
	case <-ctx.Done():
	}
}
