package transport

import (
	"fmt"
	"time"
)

// Clock abstracts time for the deadline loops so tests don't need
// real sleeps. The underlying transfers carry their own timeouts, so
// the loops never sleep themselves.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// WriteAll pushes all of data through xfer, accumulating partial
// completions. Timeout completions carry partial progress and are
// retried until deadline; any other error aborts immediately.
func WriteAll(clk Clock, deadline time.Duration, data []byte, xfer func([]byte) (int, error)) error {
	limit := clk.Now().Add(deadline)
	for len(data) > 0 {
		n, err := xfer(data)
		if err != nil && !IsTimeout(err) {
			return err
		}
		data = data[n:]
		if len(data) > 0 && !clk.Now().Before(limit) {
			return fmt.Errorf("%w: write stalled with %d bytes left", ErrTimeout, len(data))
		}
	}
	return nil
}

// ReadUntil reissues xfer until accept reports a usable completion or
// the deadline passes. Timeout completions are retried; any other
// error aborts immediately. Completions that accept declines (e.g. a
// status-only packet) are also retried.
func ReadUntil(clk Clock, deadline time.Duration, xfer func() (int, error), accept func(n int) bool) (int, error) {
	limit := clk.Now().Add(deadline)
	for clk.Now().Before(limit) {
		n, err := xfer()
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			return 0, err
		}
		if accept(n) {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: no data before deadline", ErrTimeout)
}
