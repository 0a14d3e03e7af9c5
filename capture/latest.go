package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-featrec/inference"
)

// Latest reads a source on its own goroutine and hands frames to the consumer through a single
// slot. A frame that is not consumed before the next one arrives is dropped, so a slow consumer
// always gets the freshest frame.
type Latest struct {
	src Source
	log logs.Log

	mu    sync.Mutex
	cond  *sync.Cond
	frame *inference.Frame
	err   error

	drops  atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLatest starts reading src. Call Close to stop.
func NewLatest(ctx context.Context, log logs.Log, src Source) *Latest {
	ctx, cancel := context.WithCancel(ctx)
	l := &Latest{
		src:    src,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run(ctx)
	return l
}

func (l *Latest) run(ctx context.Context) {
	defer close(l.done)
	for {
		frame, err := l.src.Next(ctx)

		l.mu.Lock()
		if err != nil {
			l.err = err
			l.cond.Broadcast()
			l.mu.Unlock()
			return
		}
		if l.frame != nil {
			l.drops.Add(1)
		}
		l.frame = &frame
		l.cond.Signal()
		l.mu.Unlock()
	}
}

// Next blocks until a frame is available. A pending frame is still delivered after the source
// ends; after that Next returns the source's terminal error, normally io.EOF.
func (l *Latest) Next(ctx context.Context) (inference.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.frame == nil && l.err == nil && ctx.Err() == nil {
		l.cond.Wait()
	}
	if l.frame != nil {
		frame := *l.frame
		l.frame = nil
		return frame, nil
	}
	if err := ctx.Err(); err != nil {
		return inference.Frame{}, err
	}
	return inference.Frame{}, l.err
}

// Drops returns the number of frames overwritten before they were consumed.
func (l *Latest) Drops() uint64 {
	return l.drops.Load()
}

// Close stops the reader and waits for it to exit. The wrapped source is not closed.
func (l *Latest) Close() error {
	l.cancel()
	<-l.done
	if n := l.Drops(); n > 0 {
		l.log.Infof("Dropped %d frames behind a slow consumer", n)
	}
	return nil
}
