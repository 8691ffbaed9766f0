package lifecycle

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// throttle limits the share of wall time spent inside the guest. Tokens
// are microseconds of guest execution, refilled at rate*1e6 per second.
// A nil throttle never waits.
type throttle struct {
	limiter *rate.Limiter
	burst   int
}

func newThrottle(cpuRate float64) *throttle {
	if cpuRate <= 0 || cpuRate >= 1 {
		return nil
	}
	perSecond := cpuRate * float64(time.Second/time.Microsecond)
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		burst:   burst,
	}
}

// wait blocks until earlier guest execution has been paid back.
func (t *throttle) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// consumed charges d of guest execution.
func (t *throttle) consumed(d time.Duration) {
	if t == nil {
		return
	}
	n := int(d / time.Microsecond)
	if n > t.burst {
		n = t.burst
	}
	if n > 0 {
		t.limiter.ReserveN(time.Now(), n)
	}
}
