package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Dispatcher hands messages to a Gateway on a background worker so callers
// never wait for mail delivery. When the buffer is full the message is
// dropped and logged.
type Dispatcher struct {
	gateway Gateway
	logger  *zap.SugaredLogger
	timeout time.Duration
	ch      chan Message
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64

	// mu orders Dispatch against Close: once closed is set under the write
	// lock no further message can enter the queue.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewDispatcher(gateway Gateway, cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		gateway: gateway,
		logger:  logger,
		timeout: timeout,
		ch:      make(chan Message, size),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if !d.gateway.SendOTPEmail(ctx, msg) {
		d.logger.Warnw("otp delivery failed", "to", msg.Address)
	}
}

// Dispatch enqueues msg without blocking and reports whether it was accepted.
func (d *Dispatcher) Dispatch(msg Message) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.ch <- msg:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warnw("otp delivery queue full, message dropped", "to", msg.Address)
		return false
	}
}

// Close stops accepting messages and drains what is queued.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
