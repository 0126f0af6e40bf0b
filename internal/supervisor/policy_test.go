package supervisor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRestartPolicy(t *testing.T) {
	p := DefaultRestartPolicy
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(5))
	assert.Equal(t, 5*time.Second, p.Delay(500))
}

func TestRestartPolicyProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("delay is base*min(n,cap)", prop.ForAll(
		func(n, baseMs, limit int) bool {
			p := RestartPolicy{BaseDelay: time.Duration(baseMs) * time.Millisecond, Cap: limit}
			m := n
			if m > limit {
				m = limit
			}
			return p.Delay(n) == p.BaseDelay*time.Duration(m)
		},
		gen.IntRange(1, 10_000),
		gen.IntRange(1, 60_000),
		gen.IntRange(1, 32),
	))

	properties.Property("delay never decreases and is bounded", prop.ForAll(
		func(n, baseMs, limit int) bool {
			p := RestartPolicy{BaseDelay: time.Duration(baseMs) * time.Millisecond, Cap: limit}
			return p.Delay(n) <= p.Delay(n+1) && p.Delay(n) <= p.BaseDelay*time.Duration(limit)
		},
		gen.IntRange(0, 10_000),
		gen.IntRange(1, 60_000),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
