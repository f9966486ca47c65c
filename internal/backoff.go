package internal

import "time"

const (
	backoffMinWait = time.Millisecond
	backoffMaxWait = 2 * time.Second
)

// Backoff increases an error's sleep delay exponentially until Hit
// resets it. Its zero value is not usable; construct with NewBackoff.
type Backoff struct {
	wait uint32
}

// NewBackoff returns a Backoff ready for use.
func NewBackoff() Backoff {
	return Backoff{wait: uint32(backoffMinWait)}
}

// Hit resets the wait delay after a successful read.
func (b *Backoff) Hit() {
	b.wait = uint32(backoffMinWait)
}

// Miss sleeps for the current delay and doubles it, capped at
// backoffMaxWait, so a persistently failing raw socket read doesn't
// spin the reader goroutine.
func (b *Backoff) Miss() {
	time.Sleep(time.Duration(b.wait))
	b.wait *= 2
	if b.wait > uint32(backoffMaxWait) {
		b.wait = uint32(backoffMaxWait)
	}
}
