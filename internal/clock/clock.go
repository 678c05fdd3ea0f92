// Package clock abstracts time so that heartbeat bookkeeping and the
// periodic loops built on it can be driven deterministically in tests.
//
// Production code takes a Clock (usually Real()); tests use Fake and
// move time forward with Advance.
package clock

import "time"

// Clock supplies the current time and periodic tickers.
type Clock interface {
	// Now returns the current time in UTC.
	Now() time.Time

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. C has capacity 1; slow consumers drop
// ticks rather than queue them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
