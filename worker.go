package xsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// workerPool drives the receive side: a fixed set of workers, each a
// cooperative loop bounded by a parallelism semaphore, running one
// receive -> pipeline -> commit cycle per slot.
type workerPool struct {
	transport   Transport
	invoker     *PipelineInvoker
	logger      *xlog.Logger
	clock       xclock.Clock
	newBackoff  func() BackoffStrategy
	parallelism int
	notify      func(Event)

	// runCtx gates the receive loop; drainCtx keeps in-flight messages
	// alive until the drain deadline at Stop.
	runCtx      context.Context
	cancelRun   context.CancelFunc
	drainCtx    context.Context
	cancelDrain context.CancelFunc

	mu      sync.Mutex
	workers []*worker
	nextID  int
	started bool
}

type worker struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
}

func newWorkerPool(transport Transport, invoker *PipelineInvoker, parallelism int, newBackoff func() BackoffStrategy, notify func(Event), logger *xlog.Logger, clock xclock.Clock) *workerPool {
	if parallelism < 1 {
		parallelism = 1
	}
	return &workerPool{
		transport:   transport,
		invoker:     invoker,
		logger:      logger,
		clock:       clock,
		newBackoff:  newBackoff,
		parallelism: parallelism,
		notify:      notify,
	}
}

// start brings the pool up to count workers.
func (p *workerPool) start(ctx context.Context, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.runCtx, p.cancelRun = context.WithCancel(ctx)
		p.drainCtx, p.cancelDrain = context.WithCancel(context.WithoutCancel(ctx))
		p.started = true
	}
	p.addLocked(count)
}

// setCount adjusts the number of running workers.
func (p *workerPool) setCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	if delta := count - len(p.workers); delta > 0 {
		p.addLocked(delta)
		return
	}
	for len(p.workers) > count {
		w := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		w.cancel()
	}
}

func (p *workerPool) addLocked(count int) {
	for i := 0; i < count; i++ {
		p.nextID++
		wctx, cancel := context.WithCancel(p.runCtx)
		w := &worker{id: p.nextID, cancel: cancel, done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go p.run(wctx, w)
	}
}

// count returns the number of workers currently running.
func (p *workerPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// stop cancels the receive loops and waits up to the drain deadline for
// in-flight messages to finish.
func (p *workerPool) stop(deadline time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancelRun()
	workers := make([]*worker, len(p.workers))
	copy(workers, p.workers)
	p.workers = nil
	p.mu.Unlock()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for _, w := range workers {
		select {
		case <-w.done:
		case <-timer.C:
			p.logger.Warn().Msg("xsbus: drain deadline elapsed, abandoning in-flight workers")
			p.cancelDrain()
			return
		}
	}
	p.cancelDrain()
}

// run is one worker's cooperative loop.
func (p *workerPool) run(ctx context.Context, w *worker) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		close(w.done)
	}()

	backoff := p.newBackoff()
	slots := make(chan struct{}, p.parallelism)

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		tx := NewTransactionContext(p.logger)
		msg, err := p.transport.Receive(ctx, tx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn().Err(err).Msg("xsbus: receive failed")
				if p.notify != nil {
					p.notify(Event{Type: EventError, Err: err})
				}
			}
			_ = tx.Abort(p.drainCtx)
			tx.Dispose(p.drainCtx)
			<-slots
			if ctx.Err() != nil {
				return
			}
			_ = backoff.WaitError(ctx)
			continue
		}
		if msg == nil {
			// Empty receive: complete the no-op unit of work and idle.
			_ = tx.Complete(p.drainCtx)
			tx.Dispose(p.drainCtx)
			<-slots
			_ = backoff.Wait(ctx)
			continue
		}

		backoff.Reset()
		inflight.Add(1)
		go func() {
			defer func() {
				inflight.Done()
				<-slots
			}()
			// A message in flight finishes on the drain context so Stop can
			// let it run to completion.
			p.process(p.drainCtx, msg, tx)
		}()
	}
}

// process runs one message through the incoming pipeline and settles its
// transaction context. Unhandled errors abort the context; they never crash
// the worker.
func (p *workerPool) process(ctx context.Context, msg *TransportMessage, tx *TransactionContext) {
	start := p.clock.Now()
	if p.notify != nil {
		p.notify(Event{Type: EventReceiveStart, MessageID: msg.ID(), MessageType: msg.Type()})
	}

	sctx := &IncomingStepContext{TransportMessage: msg, Tx: tx}
	hctx := injectLogger(WithTransactionContext(ctx, tx), p.logger)

	err := p.invokeSafe(hctx, sctx)
	if err == nil {
		if cerr := tx.Complete(ctx); cerr != nil {
			p.logger.Error().Err(cerr).Str("message_id", msg.ID()).Msg("xsbus: commit failed")
			if p.notify != nil {
				p.notify(Event{Type: EventAbort, MessageID: msg.ID(), Err: cerr})
			}
		} else if p.notify != nil {
			p.notify(Event{Type: EventAck, MessageID: msg.ID()})
		}
	} else {
		p.logger.Warn().Err(err).Str("message_id", msg.ID()).Msg("xsbus: message processing failed")
		if aerr := tx.Abort(ctx); aerr != nil {
			p.logger.Error().Err(aerr).Str("message_id", msg.ID()).Msg("xsbus: abort failed")
		}
		if p.notify != nil {
			p.notify(Event{Type: EventAbort, MessageID: msg.ID(), Err: err})
		}
	}

	tx.Dispose(ctx)
	if p.notify != nil {
		p.notify(Event{
			Type:        EventReceiveDone,
			MessageID:   msg.ID(),
			MessageType: msg.Type(),
			Duration:    p.clock.Since(start),
			Err:         err,
		})
	}
}

// invokeSafe converts a panicking step or handler into an error.
func (p *workerPool) invokeSafe(ctx context.Context, sctx *IncomingStepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xsbus: panic recovered: %v", r)
		}
	}()
	return p.invoker.Incoming(ctx, sctx)
}
