// pkg/connection/automatic.go
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Automatic reconnects on its own. Failed attempts are retried with bounded
// exponential backoff while the network is available. An explicit
// Disconnect suppresses retries until the next Connect or network-available
// signal.
type Automatic struct {
	*connector

	loopMu     sync.Mutex
	networkUp  bool
	suppressed bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	rerun      bool
}

var _ Handler = (*Automatic)(nil)

func NewAutomatic(cfg Config) (*Automatic, error) {
	a := &Automatic{networkUp: true}
	c, err := newConnector(cfg, a.lost)
	if err != nil {
		return nil, err
	}
	a.connector = c
	return a, nil
}

// Connect dials immediately. If the attempt fails for a retryable reason the
// error is returned and retries continue in the background.
func (a *Automatic) Connect(ctx context.Context) error {
	a.loopMu.Lock()
	a.suppressed = false
	a.loopMu.Unlock()
	a.stopLoop()

	err := a.dial(ctx, StateDisconnected)
	if err == nil || isPermanent(err) || ctx.Err() != nil {
		return err
	}
	a.startLoop()
	return err
}

// Disconnect closes the connection and suppresses retries.
func (a *Automatic) Disconnect(ctx context.Context) error {
	a.loopMu.Lock()
	a.suppressed = true
	a.loopMu.Unlock()
	a.stopLoop()
	a.disconnect()
	return nil
}

// HandleNetworkChange starts connecting right away when the network comes
// back, and stops a running retry loop when it goes away.
func (a *Automatic) HandleNetworkChange(available bool) {
	a.loopMu.Lock()
	a.networkUp = available
	if available {
		a.suppressed = false
	}
	a.loopMu.Unlock()

	if !available {
		a.logger.Info("Connection: network unavailable, pausing reconnects")
		a.stopLoop()
		a.mu.Lock()
		if a.state == StateReconnecting {
			a.setStateLocked(StateDisconnected, nil)
		}
		a.mu.Unlock()
		return
	}

	switch a.State() {
	case StateConnected, StateConnecting:
		return
	}
	a.logger.Info("Connection: network available, connecting")
	a.stopLoop()
	a.startLoop()
}

func (a *Automatic) Close() {
	a.loopMu.Lock()
	a.suppressed = true
	a.loopMu.Unlock()
	a.stopLoop()
	a.close()
}

func (a *Automatic) lost(epoch uint64, err error, topics []string) {
	a.loopMu.Lock()
	retry := a.networkUp && !a.suppressed
	a.loopMu.Unlock()
	if retry {
		a.startLoop()
	}
}

func (a *Automatic) startLoop() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.loopCancel != nil {
		// The running loop restarts once it finishes.
		a.rerun = true
		return
	}
	if !a.networkUp || a.suppressed {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.active == nil {
		a.setStateLocked(StateReconnecting, nil)
	}
	a.wg.Add(1)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(a.ctx)
	done := make(chan struct{})
	a.loopCancel, a.loopDone, a.rerun = cancel, done, false
	go a.reconnectLoop(ctx, done)
}

func (a *Automatic) stopLoop() {
	a.loopMu.Lock()
	cancel, done := a.loopCancel, a.loopDone
	a.loopCancel, a.loopDone, a.rerun = nil, nil, false
	a.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *Automatic) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     a.cfg.Backoff.InitialInterval,
		RandomizationFactor: a.cfg.Backoff.RandomizationFactor,
		Multiplier:          a.cfg.Backoff.Multiplier,
		MaxInterval:         a.cfg.Backoff.MaxInterval,
		MaxElapsedTime:      a.cfg.Backoff.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (a *Automatic) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer a.wg.Done()

	attempt := 0
	operation := func() error {
		attempt++
		err := a.dial(ctx, StateReconnecting)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case isPermanent(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		a.logger.Info(fmt.Sprintf("Connection: reconnect attempt %d failed: %v; retrying in %v", attempt, err, next))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(a.newBackOff(), ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Info(fmt.Sprintf("Connection: giving up after %d attempts: %v", attempt, err))
	}

	restart := a.finishLoop(ctx, done, err)
	close(done)
	if restart {
		a.startLoop()
	}
}

// finishLoop clears the loop bookkeeping and reports whether a loss during
// the loop asked for another run.
func (a *Automatic) finishLoop(ctx context.Context, done chan struct{}, err error) bool {
	a.loopMu.Lock()
	current := a.loopDone == done
	restart := false
	if current {
		a.loopCancel()
		a.loopCancel, a.loopDone = nil, nil
		restart = a.rerun && ctx.Err() == nil
		a.rerun = false
	}
	a.loopMu.Unlock()

	// A stopped loop leaves the state to whoever stopped it.
	if current && err != nil {
		a.mu.Lock()
		if a.state == StateReconnecting {
			a.setStateLocked(StateDisconnected, err)
		}
		a.mu.Unlock()
	}
	return restart
}
