package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sudoku-rooms/internal/domain"
)

// SendFunc delivers a board snapshot upstream. Implementations wrap a
// Kafka producer or a direct service call.
type SendFunc func(ctx context.Context, board *domain.Board) error

// ProgressPublisher debounces board updates on the sending side so a
// burst of cell edits collapses into one publish carrying the latest
// board. A completed board bypasses the debounce entirely; an update
// whose fill percentage matches the last published one is dropped.
type ProgressPublisher struct {
	send     SendFunc
	debounce time.Duration
	logger   *slog.Logger

	mu          sync.Mutex
	pending     *domain.Board
	timer       *time.Timer
	lastPercent int
	stopped     bool
}

// NewProgressPublisher creates a publisher with the given trailing
// debounce window.
func NewProgressPublisher(send SendFunc, debounce time.Duration, logger *slog.Logger) *ProgressPublisher {
	return &ProgressPublisher{
		send:        send,
		debounce:    debounce,
		logger:      logger,
		lastPercent: -1,
	}
}

// Update records the latest board and (re)arms the debounce timer. Each
// call replaces any pending board, so only the newest state is ever
// sent.
func (p *ProgressPublisher) Update(ctx context.Context, board *domain.Board) {
	if board == nil {
		return
	}
	percent := board.ProgressPercent()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if percent == p.lastPercent && percent != 100 && p.pending == nil {
		p.mu.Unlock()
		return
	}
	b := *board
	p.pending = &b

	if percent == 100 {
		p.mu.Unlock()
		p.Flush(ctx)
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, func() {
			p.Flush(context.Background())
		})
	} else {
		p.timer.Reset(p.debounce)
	}
	p.mu.Unlock()
}

// Flush sends the pending board now, if any.
func (p *ProgressPublisher) Flush(ctx context.Context) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	board := p.pending
	p.pending = nil
	if board == nil || p.stopped {
		p.mu.Unlock()
		return
	}
	p.lastPercent = board.ProgressPercent()
	p.mu.Unlock()

	if err := p.send(ctx, board); err != nil {
		p.logger.Warn("progress publish failed", "error", err)
	}
}

// Stop discards any pending board without sending it. Used on give-up
// and disconnect so a stale board cannot land after the player is out.
func (p *ProgressPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.pending = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// HeartbeatFunc reports presence upstream.
type HeartbeatFunc func(ctx context.Context) error

// Heartbeater reports presence on a fixed interval until stopped. One
// beat is sent immediately on start so a freshly joined player is never
// stale for a full interval.
type Heartbeater struct {
	fn       HeartbeatFunc
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHeartbeater creates a heartbeater; Start begins the loop.
func NewHeartbeater(fn HeartbeatFunc, interval time.Duration, logger *slog.Logger) *Heartbeater {
	return &Heartbeater{
		fn:       fn,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop in the background.
func (h *Heartbeater) Start() {
	go h.run()
}

func (h *Heartbeater) run() {
	defer close(h.doneCh)

	h.beat()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.fn(ctx); err != nil {
		h.logger.Warn("heartbeat failed", "error", err)
	}
}

// Stop halts the loop and waits for it to exit.
func (h *Heartbeater) Stop() {
	close(h.stopCh)
	<-h.doneCh
}
