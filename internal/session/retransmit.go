package session

import "time"

const (
	// DefaultTimeout is the initial retransmit interval.
	DefaultTimeout = 1500 * time.Millisecond
	// DefaultCeiling bounds the doubling schedule; once doubling would
	// exceed it the transfer is declared dead.
	DefaultCeiling = 12 * time.Second
)

// Config carries the per-transfer timing knobs. Zero values fall back to
// the defaults, so tests can shrink the schedule without touching callers.
type Config struct {
	Timeout time.Duration
	Ceiling time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	return cfg
}

// retransmitter holds the single outstanding retransmit obligation of one
// transfer. At most one timer is ever pending: arm replaces any previous
// schedule and disarm resets the interval back to the base.
type retransmitter struct {
	base    time.Duration
	ceiling time.Duration
	current time.Duration
	payload []byte
	timer   *time.Timer
	armed   bool
}

func newRetransmitter(cfg Config) *retransmitter {
	return &retransmitter{
		base:    cfg.Timeout,
		ceiling: cfg.Ceiling,
		current: cfg.Timeout,
	}
}

// C returns the pending fire channel, or nil when nothing is armed so a
// select on it blocks forever.
func (rt *retransmitter) C() <-chan time.Time {
	if !rt.armed {
		return nil
	}
	return rt.timer.C
}

// arm schedules payload for retransmission after the current interval. The
// timer is created fresh every time: a tick of the previous timer that was
// already in flight when disarm ran would otherwise slip through the drain
// and fire the new schedule early. The abandoned channel is never read.
func (rt *retransmitter) arm(payload []byte) {
	rt.disarm()
	rt.payload = payload
	rt.timer = time.NewTimer(rt.current)
	rt.armed = true
}

// disarm cancels any pending fire and resets the interval to the base.
func (rt *retransmitter) disarm() {
	if rt.timer != nil && !rt.timer.Stop() {
		select {
		case <-rt.timer.C:
		default:
		}
	}
	rt.armed = false
	rt.current = rt.base
	rt.payload = nil
}

// next is called after a fire. It doubles the interval and either
// reschedules, returning the payload to resend verbatim, or reports that
// the schedule is exhausted.
func (rt *retransmitter) next() ([]byte, bool) {
	rt.current *= 2
	if rt.current > rt.ceiling {
		rt.armed = false
		return nil, false
	}
	rt.timer.Reset(rt.current)
	return rt.payload, true
}
