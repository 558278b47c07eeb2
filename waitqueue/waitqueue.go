// Package waitqueue paces outbound identity provider requests. A retried
// login flow fires dozens of requests back to back, and the provider's
// gateway answers bursts with throttling pages the flow cannot parse.
package waitqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	sendGap        = 100 * time.Millisecond
	interval       = time.Minute
	intervalCap    = 60
	capWaitInitial = 250 * time.Millisecond
)

type WaitQueue struct {
	timer           *time.Timer
	intervalTicker  *time.Ticker
	intervalCounter atomic.Int32
	sendLock        *sync.Mutex
	cancelTicker    context.CancelFunc
	done            chan struct{}
}

func New(ctx context.Context) *WaitQueue {
	ctx, cancel := context.WithCancel(ctx)
	wq := &WaitQueue{
		timer:           time.NewTimer(0),
		done:            make(chan struct{}),
		intervalTicker:  time.NewTicker(interval),
		intervalCounter: atomic.Int32{},
		sendLock:        &sync.Mutex{},
		cancelTicker:    cancel,
	}

	go wq.runTicker(ctx)
	return wq
}

func (w *WaitQueue) runTicker(ctx context.Context) {
	defer func() { w.done <- struct{}{} }()
	for {
		select {
		case <-w.intervalTicker.C:
			w.intervalCounter.Store(0)
		case <-ctx.Done():
			return
		}
	}
}

func (w *WaitQueue) Close() {
	w.cancelTicker()
	<-w.done
}

var errIntervalCapReached = errors.New("wait queue interval capacity has reached, waiting for next interval")

// Send runs fn once the inter-send gap has passed and the current interval
// has capacity left. fn's own error is returned untouched.
func (w *WaitQueue) Send(ctx context.Context, fn func() error) error {
	<-w.timer.C
	defer w.timer.Reset(sendGap)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = capWaitInitial
	b.Multiplier = 1.1
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := w.trySend(fn); nil != err {
				if errors.Is(err, errIntervalCapReached) {
					time.Sleep(b.NextBackOff())
					continue
				}
				return err
			}
			return nil
		}
	}
}

func (w *WaitQueue) trySend(fn func() error) error {
	w.sendLock.Lock()
	defer w.sendLock.Unlock()

	if w.intervalCounter.Load() < intervalCap {
		if err := fn(); nil != err {
			return err
		}
		w.intervalCounter.Add(1)
		return nil
	}
	return errIntervalCapReached
}
