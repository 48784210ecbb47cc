package directory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andydunstall/mesh/pkg/identity"
)

func newRecord(t testing.TB, addr string) PeerRecord {
	id, err := identity.Generate()
	require.NoError(t, err)
	return PeerRecord{
		ID:        id.ID(),
		Addr:      addr,
		PublicKey: id.PublicKey(),
	}
}

func newTestDirectory(t testing.TB, now func() time.Time) *Directory {
	self, err := identity.Generate()
	require.NoError(t, err)
	return New(self.ID(), DefaultConfig(), WithNow(now))
}

func TestDirectory_Register(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("ok", func(t *testing.T) {
		d := newTestDirectory(t, func() time.Time { return now })

		rec := newRecord(t, "10.0.0.1:7946")
		rec.Reputation = 0.1
		require.NoError(t, d.Register(rec))

		registered, ok := d.Lookup(rec.ID)
		assert.True(t, ok)
		// Reputation is never taken from the registered record.
		assert.Equal(t, InitialReputation, registered.Reputation)
		assert.Equal(t, now, registered.LastSeen)
		assert.Equal(t, 1, d.Len())

		byAddr, ok := d.LookupAddr("10.0.0.1:7946")
		assert.True(t, ok)
		assert.Equal(t, rec.ID, byAddr.ID)
	})

	t.Run("duplicate", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)

		rec := newRecord(t, "10.0.0.1:7946")
		require.NoError(t, d.Register(rec))
		assert.ErrorIs(t, d.Register(rec), ErrDuplicateOrSelf)
		assert.Equal(t, 1, d.Len())
	})

	t.Run("self", func(t *testing.T) {
		self, err := identity.Generate()
		require.NoError(t, err)
		d := New(self.ID(), DefaultConfig())

		assert.ErrorIs(t, d.Register(PeerRecord{
			ID:        self.ID(),
			Addr:      "10.0.0.1:7946",
			PublicKey: self.PublicKey(),
		}), ErrDuplicateOrSelf)
	})

	t.Run("id does not match key", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)

		rec := newRecord(t, "10.0.0.1:7946")
		rec.PublicKey = newRecord(t, "").PublicKey
		assert.ErrorIs(t, d.Register(rec), ErrInvalidRecord)
	})

	t.Run("missing addr", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)

		rec := newRecord(t, "")
		assert.ErrorIs(t, d.Register(rec), ErrInvalidRecord)
		assert.Equal(t, 0, d.Len())
	})
}

func TestDirectory_Reputation(t *testing.T) {
	d := newTestDirectory(t, time.Now)

	rec := newRecord(t, "10.0.0.1:7946")
	require.NoError(t, d.Register(rec))

	r, ok := d.AdjustReputation(rec.ID, 0.5)
	assert.True(t, ok)
	assert.Equal(t, 1.0, r)

	r, _ = d.AdjustReputation(rec.ID, -0.6)
	assert.InDelta(t, 0.4, r, 0.0001)

	// Quarantined peers are never sampled.
	assert.Empty(t, d.SampleRandom(5))
	assert.Empty(t, d.SampleNearest(5))
	assert.Empty(t, d.SampleHybrid(5))

	r, _ = d.AdjustReputation(rec.ID, -2)
	assert.Equal(t, 0.0, r)

	_, ok = d.AdjustReputation("unknown", 1)
	assert.False(t, ok)
}

func TestDirectory_SampleRandom(t *testing.T) {
	t.Run("small", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)
		for i := 0; i != 10; i++ {
			require.NoError(t, d.Register(newRecord(t, fmt.Sprintf("10.0.0.%d:7946", i))))
		}

		sample := d.SampleRandom(5)
		assert.Len(t, sample, 5)
		assertDistinct(t, sample)

		assert.Len(t, d.SampleRandom(20), 10)
		assert.Empty(t, d.SampleRandom(0))
	})

	t.Run("large", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)
		for i := 0; i != 1000; i++ {
			require.NoError(t, d.Register(newRecord(t, fmt.Sprintf("peer-%d:7946", i))))
		}

		sample := d.SampleRandom(10)
		assert.Len(t, sample, 10)
		assertDistinct(t, sample)
	})

	t.Run("uniform", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)
		for i := 0; i != 4; i++ {
			require.NoError(t, d.Register(newRecord(t, fmt.Sprintf("10.0.0.%d:7946", i))))
		}

		counts := make(map[string]int)
		for i := 0; i != 4000; i++ {
			for _, rec := range d.SampleRandom(1) {
				counts[rec.ID]++
			}
		}
		assert.Len(t, counts, 4)
		for _, n := range counts {
			assert.InDelta(t, 1000, n, 200)
		}
	})

	t.Run("where", func(t *testing.T) {
		d := newTestDirectory(t, time.Now)
		for i := 0; i != 300; i++ {
			rec := newRecord(t, fmt.Sprintf("peer-%d:7946", i))
			rec.Region = "us"
			if i%10 == 0 {
				rec.Region = "eu"
			}
			require.NoError(t, d.Register(rec))
		}

		sample := d.SampleRandomWhere(50, func(rec *PeerRecord) bool {
			return rec.Region == "eu"
		})
		assert.Len(t, sample, 30)
		for _, rec := range sample {
			assert.Equal(t, "eu", rec.Region)
		}
	})
}

func TestDirectory_SampleNearest(t *testing.T) {
	d := newTestDirectory(t, time.Now)

	latencies := []time.Duration{
		time.Millisecond * 50,
		time.Millisecond * 10,
		0,
		time.Millisecond * 30,
		time.Millisecond * 20,
	}
	ids := make([]string, len(latencies))
	for i, latency := range latencies {
		rec := newRecord(t, fmt.Sprintf("10.0.0.%d:7946", i))
		ids[i] = rec.ID
		require.NoError(t, d.Register(rec))
		if latency != 0 {
			d.UpdateLatency(rec.ID, latency)
		}
	}

	nearest := d.SampleNearest(3)
	require.Len(t, nearest, 3)
	assert.Equal(t, ids[1], nearest[0].ID)
	assert.Equal(t, ids[4], nearest[1].ID)
	assert.Equal(t, ids[3], nearest[2].ID)

	// Unprobed peers sort last.
	all := d.SampleNearest(10)
	require.Len(t, all, 5)
	assert.Equal(t, ids[2], all[4].ID)
}

func TestDirectory_SampleHybrid(t *testing.T) {
	d := newTestDirectory(t, time.Now)

	var nearestIDs []string
	for i := 0; i != 20; i++ {
		rec := newRecord(t, fmt.Sprintf("10.0.0.%d:7946", i))
		require.NoError(t, d.Register(rec))
		if i < 4 {
			d.UpdateLatency(rec.ID, time.Millisecond*time.Duration(i+1))
			nearestIDs = append(nearestIDs, rec.ID)
		} else {
			d.UpdateLatency(rec.ID, time.Second)
		}
	}

	sample := d.SampleHybrid(5)
	require.Len(t, sample, 5)
	assertDistinct(t, sample)
	for i, id := range nearestIDs {
		assert.Equal(t, id, sample[i].ID)
	}
}

func TestDirectory_UpdateLatency(t *testing.T) {
	d := newTestDirectory(t, time.Now)

	rec := newRecord(t, "10.0.0.1:7946")
	require.NoError(t, d.Register(rec))

	d.UpdateLatency(rec.ID, time.Millisecond*100)
	d.UpdateLatency(rec.ID, time.Millisecond*200)

	updated, _ := d.Lookup(rec.ID)
	// 0.2 * 200ms + 0.8 * 100ms.
	assert.InDelta(t, float64(time.Millisecond*120), float64(updated.Latency), float64(time.Microsecond))

	assert.False(t, d.UpdateLatency("unknown", time.Millisecond))
}

func TestDirectory_PruneStale(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newTestDirectory(t, func() time.Time { return now })

	var ids []string
	for i := 0; i != 10; i++ {
		rec := newRecord(t, fmt.Sprintf("10.0.0.%d:7946", i))
		require.NoError(t, d.Register(rec))
		ids = append(ids, rec.ID)
	}

	now = now.Add(time.Second * 30)
	for _, id := range ids[:4] {
		assert.True(t, d.Touch(id))
	}
	assert.Equal(t, 4, d.ReachableAt(now, time.Second*10))

	now = now.Add(time.Second * 45)
	assert.Equal(t, 6, d.PruneStale(time.Minute))
	assert.Equal(t, 4, d.Len())
	for _, id := range ids[:4] {
		_, ok := d.Lookup(id)
		assert.True(t, ok)
	}
	_, ok := d.LookupAddr("10.0.0.9:7946")
	assert.False(t, ok)

	// Re-registering a pruned peer is allowed.
	rec := newRecord(t, "10.0.0.9:7946")
	assert.NoError(t, d.Register(rec))
}

func TestDirectory_Concurrent(t *testing.T) {
	d := newTestDirectory(t, time.Now)

	var wg sync.WaitGroup
	for w := 0; w != 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i != 50; i++ {
				rec := newRecord(t, fmt.Sprintf("peer-%d-%d:7946", w, i))
				if err := d.Register(rec); err != nil {
					t.Error(err)
					return
				}
				d.Touch(rec.ID)
				d.UpdateLatency(rec.ID, time.Millisecond)
				d.AdjustReputation(rec.ID, -0.01)
				_ = d.SampleHybrid(5)
				if i%5 == 0 {
					d.Remove(rec.ID)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8*40, d.Len())
	assert.Len(t, d.Records(), 8*40)
}

func assertDistinct(t *testing.T, records []PeerRecord) {
	seen := make(map[string]struct{})
	for _, rec := range records {
		_, ok := seen[rec.ID]
		assert.False(t, ok, "duplicate peer %s", rec.ID)
		seen[rec.ID] = struct{}{}
	}
}
