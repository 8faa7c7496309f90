// Package alert dispatches alerts from a channel buffered at 4096 alerts
// (Emit drops an alert with a warning when the buffer is full; the channel
// does not grow), guaranteeing
// at-most-one delivery per alert and FIFO within a pair, and debounces per
// (pair, kind) per the configured interval. Delivery failures are logged
// and dropped, never retried, so a flaky transport cannot build an
// unbounded backlog.
//
// The transport is a polymorphic Sender interface rather than a concrete
// Telegram client: the core depends only on Send(alert) succeeding or
// failing.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/errs"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
)

// DefaultDebounce is the minimum inter-alert interval per (pair, kind) for
// failure-class alerts. Switch-result alerts are never debounced.
const DefaultDebounce = time.Hour

// Sender is the outbound alert transport's capability set. The built-in
// implementation posts to a chat API; the core neither depends on nor
// parses its payload beyond success/failure.
type Sender interface {
	Send(ctx context.Context, a domain.Alert) error
}

// Dispatcher serializes and debounces alert delivery. Its debounce
// timestamps are not private bookkeeping: they live in each pair's
// domain.MonitorState.LastAlertAt (the single source of truth per spec's
// §3 data-model ownership), guarded by the dispatcher's own mutex since it
// is the map's only writer.
type Dispatcher struct {
	sender   Sender
	debounce time.Duration
	logger   *slog.Logger
	state    *shared.State

	ch chan domain.Alert

	mu   sync.Mutex
	wg   sync.WaitGroup
	stop chan struct{}
}

// debounced reports whether kinds other than switch results should be
// rate-limited; switch results always fire immediately per spec.
func debounced(k domain.AlertKind) bool {
	return k != domain.AlertSwitchSuccess && k != domain.AlertSwitchFailure
}

// New returns a Dispatcher that delivers through sender with the given
// debounce window, recording send timestamps on state's per-pair
// MonitorState, and starts its delivery goroutine.
func New(sender Sender, debounce time.Duration, logger *slog.Logger, state *shared.State) *Dispatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	d := &Dispatcher{
		sender:   sender,
		debounce: debounce,
		logger:   logger,
		state:    state,
		ch:       make(chan domain.Alert, 4096),
		stop:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Emit enqueues an alert for delivery. Non-blocking; the channel is sized
// generously so a burst never blocks the monitor's hot path.
func (d *Dispatcher) Emit(a domain.Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	select {
	case d.ch <- a:
	default:
		d.logger.Warn("alert channel full, dropping alert", "kind", a.Kind, "pair", a.PairIndex)
	}
}

// Shutdown drains pending alerts with a bounded deadline, then stops the
// delivery goroutine.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	close(d.stop)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("alert dispatcher shutdown timed out, pending alerts dropped")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case a := <-d.ch:
			d.deliver(a)
		case <-d.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case a := <-d.ch:
					d.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(a domain.Alert) {
	if debounced(a.Kind) && d.isSuppressed(a) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.sender.Send(ctx, a); err != nil {
		d.logger.Error("alert delivery failed, dropping", "err", errs.New(errs.AlertTransport, err), "kind", a.Kind, "pair", a.PairIndex)
		return
	}
	if debounced(a.Kind) {
		d.markSent(a)
	}
}

func (d *Dispatcher) isSuppressed(a domain.Alert) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms := d.state.MonitorState(a.PairIndex)
	if ms == nil {
		return false
	}
	last, ok := ms.LastAlertAt[a.Kind]
	return ok && time.Since(last) < d.debounce
}

func (d *Dispatcher) markSent(a domain.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms := d.state.MonitorState(a.PairIndex)
	if ms == nil {
		return
	}
	ms.LastAlertAt[a.Kind] = time.Now()
}

// ClearSuppression clears any pending debounce window for (pairIndex,
// kind), matching the original AlertTracker.reset semantics: invoked after
// a successful switch so a fresh post-switch failure is not swallowed by
// a stale debounce window from before the switch.
func (d *Dispatcher) ClearSuppression(pairIndex int, kind domain.AlertKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ms := d.state.MonitorState(pairIndex); ms != nil {
		delete(ms.LastAlertAt, kind)
	}
}
