package alert

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xie-Hui/solana-validator-switch/internal/domain"
	"github.com/Xie-Hui/solana-validator-switch/internal/shared"
)

type countingSender struct {
	mu    sync.Mutex
	sent  []domain.Alert
	fail  bool
}

func (c *countingSender) Send(_ context.Context, a domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return assertErr{}
	}
	c.sent = append(c.sent, a)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type assertErr struct{}

func (assertErr) Error() string { return "send failed" }

func newTestDispatcher(sender Sender, debounce time.Duration) *Dispatcher {
	st := shared.New([]*domain.ValidatorPair{{Index: 1}, {Index: 2}})
	return New(sender, debounce, slog.New(slog.NewTextHandler(discard{}, nil)), st)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestDispatcherDebouncesSameKindSamePair(t *testing.T) {
	sender := &countingSender{}
	d := newTestDispatcher(sender, 50*time.Millisecond)
	defer d.Shutdown(time.Second)

	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 1})
	time.Sleep(20 * time.Millisecond)
	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 1})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, sender.count())
}

func TestDispatcherAllowsAfterDebounceWindow(t *testing.T) {
	sender := &countingSender{}
	d := newTestDispatcher(sender, 20*time.Millisecond)
	defer d.Shutdown(time.Second)

	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 1})
	time.Sleep(40 * time.Millisecond)
	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 1})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, sender.count())
}

func TestDispatcherNeverDebouncesSwitchResults(t *testing.T) {
	sender := &countingSender{}
	d := newTestDispatcher(sender, time.Hour)
	defer d.Shutdown(time.Second)

	d.Emit(domain.Alert{Kind: domain.AlertSwitchSuccess, PairIndex: 1})
	time.Sleep(10 * time.Millisecond)
	d.Emit(domain.Alert{Kind: domain.AlertSwitchSuccess, PairIndex: 1})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, sender.count())
}

func TestDispatcherDifferentPairsNotDebouncedTogether(t *testing.T) {
	sender := &countingSender{}
	d := newTestDispatcher(sender, time.Hour)
	defer d.Shutdown(time.Second)

	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 1})
	d.Emit(domain.Alert{Kind: domain.AlertDelinquency, PairIndex: 2})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 2, sender.count())
}

func TestClearSuppressionAllowsImmediateResend(t *testing.T) {
	sender := &countingSender{}
	d := newTestDispatcher(sender, time.Hour)
	defer d.Shutdown(time.Second)

	d.Emit(domain.Alert{Kind: domain.AlertSshFailure, PairIndex: 1})
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, sender.count())

	d.ClearSuppression(1, domain.AlertSshFailure)
	d.Emit(domain.Alert{Kind: domain.AlertSshFailure, PairIndex: 1})
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 2, sender.count())
}
