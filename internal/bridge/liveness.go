package bridge

import "time"

// Liveness tracks heartbeat probing for one ParanoidRequest attempt. Probes are
// scheduled against an explicit next-probe deadline.
type Liveness struct {
	Interval    time.Duration
	Limit       int
	Expiry      time.Duration
	NextProbe   time.Time
	LastSignal  time.Time
	Outstanding int
	Sent        int
}

func NewLiveness(cfg HeartbeatConfig, now time.Time) Liveness {
	return Liveness{
		Interval:   cfg.Interval,
		Limit:      cfg.Liveness,
		Expiry:     cfg.Expiry,
		NextProbe:  now.Add(cfg.Interval),
		LastSignal: now,
	}
}

func (l Liveness) ProbeDue(now time.Time) bool {
	return !now.Before(l.NextProbe)
}

// Dead reports whether the peer should be abandoned: Limit probes went
// unanswered and another probe boundary passed, or the silence outlived Expiry.
func (l Liveness) Dead(now time.Time) bool {
	if l.Outstanding >= l.Limit && l.ProbeDue(now) {
		return true
	}
	return l.Expiry > 0 && now.Sub(l.LastSignal) >= l.Expiry
}

func (l Liveness) ProbeSent(now time.Time) Liveness {
	l.Outstanding++
	l.Sent++
	l.NextProbe = l.NextProbe.Add(l.Interval)
	if !l.NextProbe.After(now) {
		l.NextProbe = now.Add(l.Interval)
	}
	return l
}

// Signal records any traffic from the peer and resets the counter.
func (l Liveness) Signal(now time.Time) Liveness {
	l.Outstanding = 0
	l.LastSignal = now
	l.NextProbe = now.Add(l.Interval)
	return l
}

// Wait is how long to block before the next probe boundary or deadline.
func (l Liveness) Wait(now, deadline time.Time) time.Duration {
	until := l.NextProbe
	if deadline.Before(until) {
		until = deadline
	}
	if l.Expiry > 0 {
		if exp := l.LastSignal.Add(l.Expiry); exp.Before(until) {
			until = exp
		}
	}
	d := until.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
