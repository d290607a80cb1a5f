package publisher

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudoku-rooms/internal/domain"
)

type captureSink struct {
	mu     sync.Mutex
	boards []domain.Board
}

func (c *captureSink) send(_ context.Context, board *domain.Board) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boards = append(c.boards, *board)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.boards)
}

func (c *captureSink) last() domain.Board {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boards[len(c.boards)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func boardWithFilled(n int) *domain.Board {
	var b domain.Board
	for i := 0; i < n; i++ {
		b[i/9][i%9] = uint8(i%9) + 1
	}
	return &b
}

func TestPublisherCoalescesBurst(t *testing.T) {
	sink := &captureSink{}
	p := NewProgressPublisher(sink.send, 30*time.Millisecond, testLogger())
	defer p.Stop()
	ctx := context.Background()

	p.Update(ctx, boardWithFilled(10))
	p.Update(ctx, boardWithFilled(11))
	p.Update(ctx, boardWithFilled(12))

	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, *boardWithFilled(12), sink.last(), "only the newest board is sent")

	// Nothing further is pending.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestPublisherSkipsUnchangedPercent(t *testing.T) {
	sink := &captureSink{}
	p := NewProgressPublisher(sink.send, 20*time.Millisecond, testLogger())
	defer p.Stop()
	ctx := context.Background()

	p.Update(ctx, boardWithFilled(10))
	require.Eventually(t, func() bool { return sink.count() == 1 },
		time.Second, 5*time.Millisecond)

	// The same fill percentage again is noise.
	p.Update(ctx, boardWithFilled(10))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	// A different percentage goes through.
	p.Update(ctx, boardWithFilled(20))
	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 5*time.Millisecond)
}

func TestPublisherCompletionBypassesDebounce(t *testing.T) {
	sink := &captureSink{}
	p := NewProgressPublisher(sink.send, time.Hour, testLogger())
	defer p.Stop()

	p.Update(context.Background(), boardWithFilled(domain.TotalCells))

	assert.Equal(t, 1, sink.count(), "a finished board must not wait out the debounce")
	last := sink.last()
	assert.Equal(t, 100, last.ProgressPercent())
}

func TestPublisherStopSuppressesPending(t *testing.T) {
	sink := &captureSink{}
	p := NewProgressPublisher(sink.send, 20*time.Millisecond, testLogger())

	p.Update(context.Background(), boardWithFilled(10))
	p.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	// Updates after Stop are ignored.
	p.Update(context.Background(), boardWithFilled(domain.TotalCells))
	assert.Equal(t, 0, sink.count())
}

func TestPublisherFlushSendsImmediately(t *testing.T) {
	sink := &captureSink{}
	p := NewProgressPublisher(sink.send, time.Hour, testLogger())
	defer p.Stop()
	ctx := context.Background()

	p.Update(ctx, boardWithFilled(10))
	assert.Equal(t, 0, sink.count())

	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())

	// A flush with nothing pending is a no-op.
	p.Flush(ctx)
	assert.Equal(t, 1, sink.count())
}

func TestHeartbeaterBeats(t *testing.T) {
	var beats atomic.Int64
	h := NewHeartbeater(func(context.Context) error {
		beats.Add(1)
		return nil
	}, 20*time.Millisecond, testLogger())

	h.Start()
	require.Eventually(t, func() bool { return beats.Load() >= 3 },
		time.Second, 5*time.Millisecond)
	h.Stop()

	settled := beats.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, beats.Load(), "no beats after Stop")
}
