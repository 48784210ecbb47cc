package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := atomic.NewInt64(0)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, time.Millisecond*10, func() {
			calls.Inc()
		})
	}()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, time.Millisecond*10)

	cancel()
	<-done
}

func TestJitter(t *testing.T) {
	for i := 0; i != 100; i++ {
		jitter := Jitter(time.Second)
		assert.GreaterOrEqual(t, jitter, time.Duration(0))
		assert.LessOrEqual(t, jitter, time.Millisecond*100)
	}
	assert.Equal(t, time.Duration(0), Jitter(0))
}
