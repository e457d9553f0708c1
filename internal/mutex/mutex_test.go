package mutex

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/proctor/internal/fault"
)

// TestFirstArriverIsGranted covers a later timestamp winning when nobody
// holds the section: ordering only applies to the wait queue.
func TestFirstArriverIsGranted(t *testing.T) {
	c := New()

	g, err := c.Request("s1", 5)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, g.Status)

	g, err = c.Request("s2", 3)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, g.Status)
	assert.Equal(t, 1, g.QueuePosition)
	assert.Equal(t, "s1", g.Holder)

	h, err := c.Release("s1")
	require.NoError(t, err)
	assert.Equal(t, "transferred", h.Status)
	assert.Equal(t, "s2", h.NewHolder)

	g, err = c.CheckGrant("s2")
	require.NoError(t, err)
	assert.Equal(t, StateGranted, g.Status)
}

func TestQueueOrderingAndTieBreak(t *testing.T) {
	c := New()
	_, err := c.Request("holder", 0)
	require.NoError(t, err)

	requests := []Entry{
		{"s3", 7},
		{"s1", 4},
		{"s2", 4}, // same timestamp as s1, loses on id
		{"s0", 9},
	}
	for _, r := range requests {
		_, err := c.Request(r.StudentID, r.Timestamp)
		require.NoError(t, err)
	}

	st := c.Status()
	assert.Equal(t, []Entry{{"s1", 4}, {"s2", 4}, {"s3", 7}, {"s0", 9}}, st.Queue)
	assert.Equal(t, 4, st.QueueLength)

	g, err := c.CheckGrant("s3")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, g.Status)
	assert.Equal(t, 3, g.QueuePosition)
}

func TestGrantOrderMatchesSortedRequests(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			c := New()
			_, err := c.Request("first", 0)
			require.NoError(t, err)

			var reqs []Entry
			for i := 0; i < 15; i++ {
				e := Entry{StudentID: fmt.Sprintf("s%02d", i), Timestamp: rng.Int64N(6)}
				reqs = append(reqs, e)
				_, err := c.Request(e.StudentID, e.Timestamp)
				require.NoError(t, err)
			}
			sort.Slice(reqs, func(i, j int) bool { return compareEntries(reqs[i], reqs[j]) < 0 })

			holder := "first"
			var order []string
			for {
				h, err := c.Release(holder)
				require.NoError(t, err)
				if h.NewHolder == "" {
					break
				}
				order = append(order, h.NewHolder)
				holder = h.NewHolder
			}

			want := make([]string, len(reqs))
			for i, r := range reqs {
				want[i] = r.StudentID
			}
			assert.Equal(t, want, order)
			assert.Equal(t, "", c.Status().CurrentHolder)
		})
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	c := New()

	_, err := c.Release("nobody")
	assert.True(t, errors.Is(err, fault.ErrNotHolder))

	_, err = c.Request("s1", 1)
	require.NoError(t, err)
	_, err = c.Request("s2", 2)
	require.NoError(t, err)

	_, err = c.Release("s2")
	assert.True(t, errors.Is(err, fault.ErrNotHolder))
	_, err = c.Release("")
	assert.True(t, errors.Is(err, fault.ErrNotHolder))

	st := c.Status()
	assert.Equal(t, "s1", st.CurrentHolder)
	assert.Equal(t, 1, st.QueueLength)
}

func TestReleaseWithEmptyQueueFreesSection(t *testing.T) {
	c := New()
	_, err := c.Request("s1", 1)
	require.NoError(t, err)

	h, err := c.Release("s1")
	require.NoError(t, err)
	assert.Equal(t, "released", h.Status)
	assert.Empty(t, h.NewHolder)

	g, err := c.Request("s2", 100)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, g.Status)
}

func TestRepeatedRequestsAreIdempotent(t *testing.T) {
	c := New()
	_, err := c.Request("s1", 1)
	require.NoError(t, err)
	_, err = c.Request("s2", 5)
	require.NoError(t, err)

	g, err := c.Request("s1", 10)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, g.Status)

	g, err = c.Request("s2", 0)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, g.Status)
	assert.Equal(t, 1, g.QueuePosition)

	st := c.Status()
	assert.Equal(t, []Entry{{"s2", 5}}, st.Queue)
}

func TestCheckGrantIsPure(t *testing.T) {
	c := New()
	_, err := c.Request("s1", 1)
	require.NoError(t, err)
	_, err = c.Request("s2", 2)
	require.NoError(t, err)

	before := c.Status()
	for i := 0; i < 100; i++ {
		_, _ = c.CheckGrant("s2")
		_, _ = c.CheckGrant("ghost")
	}
	assert.Equal(t, before, c.Status())

	_, err = c.CheckGrant("ghost")
	assert.True(t, errors.Is(err, fault.ErrUnknownStudent))
}

func TestLamportClockAdvances(t *testing.T) {
	c := New()
	g, err := c.Request("s1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(11), g.Clock)

	g, err = c.Request("s2", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(12), g.Clock)
}

func TestRequestRejectsEmptyID(t *testing.T) {
	_, err := New().Request("", 1)
	assert.True(t, errors.Is(err, fault.ErrInvalidArgument))
}

func TestConcurrentRequestsSingleHolder(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	granted := make(chan string, 64)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%02d", i)
			g, err := c.Request(id, int64(i%8))
			if err == nil && g.Status == StateGranted {
				granted <- id
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var holders []string
	for id := range granted {
		holders = append(holders, id)
	}
	require.Len(t, holders, 1)

	st := c.Status()
	assert.Equal(t, holders[0], st.CurrentHolder)
	assert.Equal(t, 63, st.QueueLength)
	for _, e := range st.Queue {
		assert.NotEqual(t, st.CurrentHolder, e.StudentID)
	}
}

func TestReset(t *testing.T) {
	c := New()
	_, _ = c.Request("s1", 1)
	_, _ = c.Request("s2", 2)

	c.Reset()
	first := c.Status()
	c.Reset()
	assert.Equal(t, first, c.Status())
	assert.Empty(t, first.CurrentHolder)
	assert.Empty(t, first.Queue)
	assert.Zero(t, first.Clock)
}
