package replay

import (
	"fmt"
	"math"

	"github.com/atmx/ledger-engine/internal/ledgererr"
)

// RateLimiter admits at most Limit requests per fixed window of
// WindowDuration ms. A fresh limiter has WindowResetAt 0, so its first
// check always opens a window.
type RateLimiter struct {
	Subject        string `json:"subject"`
	Limit          uint64 `json:"limit"`
	WindowDuration uint64 `json:"window_duration"`
	Count          uint64 `json:"count"`
	WindowResetAt  uint64 `json:"window_reset_at"`
}

// NewRateLimiter returns an idle limiter for subject.
func NewRateLimiter(subject string, limit, window uint64) (RateLimiter, error) {
	if limit == 0 || window == 0 {
		return RateLimiter{}, fmt.Errorf("%w: limit %d and window %d must be positive", ledgererr.ErrInvalidRange, limit, window)
	}
	return RateLimiter{Subject: subject, Limit: limit, WindowDuration: window}, nil
}

// CheckRateLimit records one request at now. A denied request returns the
// limiter unchanged.
func CheckRateLimit(l RateLimiter, now uint64) (RateLimiter, bool) {
	if now >= l.WindowResetAt {
		next := l
		next.Count = 1
		next.WindowResetAt = saturatingAdd(now, l.WindowDuration)
		return next, true
	}
	if l.Count < l.Limit {
		next := l
		next.Count++
		return next, true
	}
	return l, false
}

// RetryAfter returns the ms until the current window resets, or 0 if a
// request at now would be admitted.
func RetryAfter(l RateLimiter, now uint64) uint64 {
	if now >= l.WindowResetAt || l.Count < l.Limit {
		return 0
	}
	return l.WindowResetAt - now
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
