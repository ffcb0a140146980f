// Package sequencer serializes concurrently submitted orders and cancels into
// one total order and drives the matching engine from a single goroutine.
package sequencer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "matchcore/internal/common"
	"matchcore/internal/engine"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultQueueSize     = 1024
	defaultSubmitTimeout = 100 * time.Millisecond
)

var ErrAlreadyRunning = errors.New("sequencer already running")

// Processor is the single-writer matching state driven by the sequencer.
// *engine.Engine satisfies it.
type Processor interface {
	Process(order Order) (engine.Result, error)
	Cancel(id string) (engine.Result, error)
}

type commandKind int

const (
	placeCommand commandKind = iota
	cancelCommand
)

type reply struct {
	result engine.Result
	err    error
}

type command struct {
	kind  commandKind
	order Order
	id    string
	reply chan reply // Buffered, the consumer never blocks on it.
}

type Option func(*Sequencer)

// WithQueueSize bounds the number of commands waiting for the consumer.
func WithQueueSize(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithSubmitTimeout is how long Submit and Cancel wait for queue space
// before failing with ErrQueueOverflow. Zero fails immediately.
func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		s.submitTimeout = d
	}
}

type Sequencer struct {
	processor     Processor
	queueSize     int
	submitTimeout time.Duration
	queue         chan command
	stopped       chan struct{}
	running       atomic.Bool

	seq       atomic.Uint64 // Last command sequence handed out.
	processed atomic.Uint64
}

func New(processor Processor, opts ...Option) *Sequencer {
	s := &Sequencer{
		processor:     processor,
		queueSize:     defaultQueueSize,
		submitTimeout: defaultSubmitTimeout,
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan command, s.queueSize)
	return s
}

// Start runs the consumer as a goroutine of t.
func (s *Sequencer) Start(t *tomb.Tomb) {
	t.Go(func() error {
		return s.Run(t)
	})
}

// Run is the matching consumer. It dequeues one command at a time and runs
// it to completion before taking the next, until t starts dying. Commands
// still queued at that point are rejected with ErrStopped.
func (s *Sequencer) Run(t *tomb.Tomb) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)

	log.Info().Int("queue size", s.queueSize).Msg("sequencer running")
	for {
		select {
		case <-t.Dying():
			s.drain()
			log.Info().Uint64("processed", s.processed.Load()).Msg("sequencer stopped")
			return nil
		case cmd := <-s.queue:
			s.handle(cmd)
		}
	}
}

func (s *Sequencer) handle(cmd command) {
	seq := s.seq.Add(1)

	var r reply
	switch cmd.kind {
	case placeCommand:
		r.result, r.err = s.processor.Process(cmd.order)
	case cancelCommand:
		r.result, r.err = s.processor.Cancel(cmd.id)
	}
	s.processed.Add(1)

	if r.err != nil {
		log.Debug().
			Err(r.err).
			Uint64("seq", seq).
			Str("order", r.result.OrderID).
			Msg("command rejected")
	} else {
		log.Debug().
			Uint64("seq", seq).
			Str("order", r.result.OrderID).
			Stringer("status", r.result.Status).
			Msg("command processed")
	}
	cmd.reply <- r
}

func (s *Sequencer) drain() {
	for {
		select {
		case cmd := <-s.queue:
			cmd.reply <- reply{err: ErrStopped}
		default:
			return
		}
	}
}

// Submit enqueues a new order and waits until the consumer has processed
// it. If the queue stays full for the submit timeout the order is refused
// with ErrQueueOverflow. A context cancelled after the order was enqueued
// stops the wait but not the processing.
func (s *Sequencer) Submit(ctx context.Context, order Order) (engine.Result, error) {
	return s.do(ctx, command{kind: placeCommand, order: order}, true)
}

// TrySubmit is Submit without waiting for queue space.
func (s *Sequencer) TrySubmit(ctx context.Context, order Order) (engine.Result, error) {
	return s.do(ctx, command{kind: placeCommand, order: order}, false)
}

// Cancel enqueues a cancel behind every order submitted before it.
func (s *Sequencer) Cancel(ctx context.Context, id string) (engine.Result, error) {
	return s.do(ctx, command{kind: cancelCommand, id: id}, true)
}

func (s *Sequencer) do(ctx context.Context, cmd command, wait bool) (engine.Result, error) {
	cmd.reply = make(chan reply, 1)
	if err := s.enqueue(ctx, cmd, wait); err != nil {
		return engine.Result{OrderID: cmd.orderID(), Status: Rejected}, err
	}

	select {
	case r := <-cmd.reply:
		return r.result, r.err
	case <-s.stopped:
		// The consumer may have replied just before exiting.
		select {
		case r := <-cmd.reply:
			return r.result, r.err
		default:
			return engine.Result{OrderID: cmd.orderID(), Status: Rejected}, ErrStopped
		}
	case <-ctx.Done():
		return engine.Result{OrderID: cmd.orderID()}, ctx.Err()
	}
}

func (s *Sequencer) enqueue(ctx context.Context, cmd command, wait bool) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}

	select {
	case s.queue <- cmd:
		return nil
	default:
	}
	if !wait || s.submitTimeout <= 0 {
		return ErrQueueOverflow
	}

	timer := time.NewTimer(s.submitTimeout)
	defer timer.Stop()
	select {
	case s.queue <- cmd:
		return nil
	case <-timer.C:
		return ErrQueueOverflow
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cmd command) orderID() string {
	if cmd.kind == cancelCommand {
		return cmd.id
	}
	return cmd.order.ID
}

// Pending is the number of commands waiting for the consumer.
func (s *Sequencer) Pending() int { return len(s.queue) }

// Processed is the number of commands the consumer has completed.
func (s *Sequencer) Processed() uint64 { return s.processed.Load() }
