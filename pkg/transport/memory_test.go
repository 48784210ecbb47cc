package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	b    string
}

type recorder struct {
	msgs []received
	mu   sync.Mutex
}

func (r *recorder) handle(from string, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, received{from: from, b: string(b)})
}

func (r *recorder) received() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.msgs...)
}

func TestNetwork_Synchronous(t *testing.T) {
	t.Run("deliver", func(t *testing.T) {
		n := NewNetwork(WithSynchronousDelivery())
		a, err := n.Bind("a")
		require.NoError(t, err)
		b, err := n.Bind("b")
		require.NoError(t, err)

		var rec recorder
		b.Handle(rec.handle)

		require.NoError(t, a.Send(context.Background(), "b", []byte("hello")))
		assert.Equal(t, []received{{from: "a", b: "hello"}}, rec.received())

		// Unknown addresses are silently dropped.
		assert.NoError(t, a.Send(context.Background(), "unknown", []byte("hello")))
	})

	t.Run("pending before handle", func(t *testing.T) {
		n := NewNetwork(WithSynchronousDelivery())
		a, err := n.Bind("a")
		require.NoError(t, err)
		b, err := n.Bind("b")
		require.NoError(t, err)

		require.NoError(t, a.Send(context.Background(), "b", []byte("early")))

		var rec recorder
		b.Handle(rec.handle)
		assert.Equal(t, []received{{from: "a", b: "early"}}, rec.received())
	})

	t.Run("partition", func(t *testing.T) {
		n := NewNetwork(WithSynchronousDelivery())
		recs := make(map[string]*recorder)
		endpoints := make(map[string]*Endpoint)
		for _, addr := range []string{"a", "b", "c"} {
			e, err := n.Bind(addr)
			require.NoError(t, err)
			recs[addr] = &recorder{}
			e.Handle(recs[addr].handle)
			endpoints[addr] = e
		}

		n.Partition([]string{"a", "b"}, []string{"c"})
		require.NoError(t, endpoints["a"].Send(context.Background(), "b", []byte("1")))
		require.NoError(t, endpoints["a"].Send(context.Background(), "c", []byte("2")))
		assert.Len(t, recs["b"].received(), 1)
		assert.Len(t, recs["c"].received(), 0)

		n.Heal()
		require.NoError(t, endpoints["a"].Send(context.Background(), "c", []byte("3")))
		assert.Len(t, recs["c"].received(), 1)
	})

	t.Run("loss", func(t *testing.T) {
		n := NewNetwork(WithSynchronousDelivery())
		a, err := n.Bind("a")
		require.NoError(t, err)
		b, err := n.Bind("b")
		require.NoError(t, err)

		var rec recorder
		b.Handle(rec.handle)

		n.SetLoss(1, 0)
		require.NoError(t, a.Send(context.Background(), "b", []byte("dropped")))
		assert.Len(t, rec.received(), 0)

		n.SetLoss(0, 1)
		require.NoError(t, a.Send(context.Background(), "b", []byte("dup")))
		assert.Len(t, rec.received(), 2)
	})

	t.Run("closed", func(t *testing.T) {
		n := NewNetwork(WithSynchronousDelivery())
		a, err := n.Bind("a")
		require.NoError(t, err)

		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Send(context.Background(), "b", nil), ErrClosed)

		// The address can be reused once closed.
		_, err = n.Bind("a")
		assert.NoError(t, err)
	})
}

func TestNetwork_Async(t *testing.T) {
	n := NewNetwork()
	a, err := n.Bind("a")
	require.NoError(t, err)
	b, err := n.Bind("b")
	require.NoError(t, err)

	var rec recorder
	go func() {
		_ = b.Serve(rec.handle)
	}()
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), "b", []byte("hello")))
	assert.Eventually(t, func() bool {
		return len(rec.received()) == 1
	}, time.Second, time.Millisecond*10)
}
