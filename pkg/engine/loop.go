package engine

import (
	"context"
	"errors"
	"time"

	"github.com/mazdakn/uswitch/pkg/packet"
	"github.com/mazdakn/uswitch/pkg/timer"
	"github.com/sirupsen/logrus"
)

const (
	queueCapacity = 256
	// ingressBatch bounds how many packets one poll handles before timers get
	// another chance to run.
	ingressBatch = 64
)

// Clock returns the current time in milliseconds.
type Clock func() int64

// MonotonicClock counts milliseconds since its creation.
func MonotonicClock() Clock {
	start := time.Now()
	return func() int64 {
		return time.Since(start).Milliseconds()
	}
}

// Loop is the single goroutine that owns the timer scheduler and everything
// driven by it. Other goroutines reach it through RunOnLoop and Ingress.
type Loop struct {
	clock   Clock
	timers  *timer.Scheduler[timer.Task]
	handler func(*packet.Packet)

	tasks   chan timer.Task
	ingress chan *packet.Packet
	free    chan *packet.Packet
	bufSize int

	log *logrus.Entry
}

func NewLoop(clock Clock, timers *timer.Scheduler[timer.Task], handler func(*packet.Packet), maxBufferSize int) *Loop {
	return &Loop{
		clock:   clock,
		timers:  timers,
		handler: handler,
		tasks:   make(chan timer.Task, queueCapacity),
		ingress: make(chan *packet.Packet, queueCapacity),
		free:    make(chan *packet.Packet, queueCapacity),
		bufSize: maxBufferSize,
		log:     logrus.WithField("component", "loop"),
	}
}

func (l *Loop) Timers() *timer.Scheduler[timer.Task] {
	return l.timers
}

func (l *Loop) Now() int64 {
	return l.clock()
}

// RunOnLoop queues task to run on the loop goroutine. Safe for concurrent use.
func (l *Loop) RunOnLoop(task timer.Task) {
	l.tasks <- task
}

// Delay runs fn on the loop after timeout. Loop goroutine only.
func (l *Loop) Delay(timeout time.Duration, fn timer.Task) (timer.Handle, error) {
	return l.timers.Schedule(l.clock(), timeout.Milliseconds(), fn)
}

// Packet returns an empty packet for a device to read into. Safe for
// concurrent use.
func (l *Loop) Packet() *packet.Packet {
	select {
	case pkt := <-l.free:
		pkt.Reset()
		return pkt
	default:
		return packet.New(l.bufSize)
	}
}

// Ingress hands a parsed packet to the loop. It blocks while the loop is
// saturated and gives up when ctx is done.
func (l *Loop) Ingress(ctx context.Context, pkt *packet.Packet) error {
	select {
	case l.ingress <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Started loop")
	for {
		err := l.OnePoll(ctx)
		if errors.Is(err, context.Canceled) {
			l.log.Info("Stopped loop")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// OnePoll runs one iteration: fire due timers, run queued tasks, handle
// queued packets, then block for at most the scheduler's next wait.
func (l *Loop) OnePoll(ctx context.Context) error {
	l.timers.Tick(l.clock())
	l.runTimers()
	l.runTasks()
	l.handlePackets()

	wait := l.timers.NextWait(l.clock())
	if wait == 0 {
		return ctx.Err()
	}
	var expired <-chan time.Time
	if wait != timer.NoDeadline {
		t := time.NewTimer(time.Duration(wait) * time.Millisecond)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case task := <-l.tasks:
		task()
	case pkt := <-l.ingress:
		l.handle(pkt)
	case <-expired:
	}
	return nil
}

func (l *Loop) runTimers() {
	for {
		task, ok := l.timers.Poll()
		if !ok {
			return
		}
		task()
	}
}

func (l *Loop) runTasks() {
	for n := len(l.tasks); n > 0; n-- {
		task := <-l.tasks
		task()
	}
}

func (l *Loop) handlePackets() {
	for i := 0; i < ingressBatch; i++ {
		select {
		case pkt := <-l.ingress:
			l.handle(pkt)
		default:
			return
		}
	}
}

func (l *Loop) handle(pkt *packet.Packet) {
	l.handler(pkt)
	select {
	case l.free <- pkt:
	default:
	}
}
