package supervisor

import "time"

// RestartPolicy computes the delay before restarting a worker after its
// n-th unexpected exit: BaseDelay * min(n, Cap). The delay grows linearly
// and then stays flat; a worker is never given up on.
type RestartPolicy struct {
	BaseDelay time.Duration
	Cap       int
}

// DefaultRestartPolicy is 1s, 2s, 3s, 4s, 5s, 5s, ...
var DefaultRestartPolicy = RestartPolicy{BaseDelay: time.Second, Cap: 5}

// Delay returns the wait before restart number n (1-based). n < 1 is
// treated as 1.
func (p RestartPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	limit := p.Cap
	if limit < 1 {
		limit = 1
	}
	if n > limit {
		n = limit
	}
	return p.BaseDelay * time.Duration(n)
}
