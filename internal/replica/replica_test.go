package replica

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/proctor/internal/storage"
)

func seeded(t *testing.T) *Replica {
	t.Helper()
	r := New("R1")
	require.NoError(t, r.Load(Record{RollNumber: "A1", Name: "ALICE", ISA: 10, MSE: 12, ESE: 30, Total: 52}))
	require.NoError(t, r.Load(Record{RollNumber: "B2", Name: "BOB", ISA: 5, MSE: 5, ESE: 5, Total: 15}))
	return r
}

// TestNewReplica tests replica creation
func TestNewReplica(t *testing.T) {
	r := New("R2")

	assert.Equal(t, "R2", r.Name)
	assert.True(t, r.Online())
	info := r.Info()
	assert.Equal(t, StatusOnline, info.Status)
	assert.Zero(t, info.RecordCount)
	assert.Zero(t, info.Pending)
}

func TestRecordCodecAndMarks(t *testing.T) {
	rec := Record{RollNumber: "A1", Name: "ALICE", ISA: 10, MSE: 12, ESE: 30, Total: 52, Version: 3}

	b, err := rec.Encode()
	require.NoError(t, err)
	back, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, rec, back)

	updated := rec.WithMarks(18, 35)
	assert.Equal(t, 63, updated.Total)
	assert.Equal(t, 12, rec.MSE, "WithMarks must not modify the receiver")

	_, err = Decode([]byte{0x81})
	assert.Error(t, err)
}

func TestGetRespectsHealth(t *testing.T) {
	r := seeded(t)

	rec, err := r.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", rec.Name)

	_, err = r.Get("ZZ")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)

	assert.True(t, r.SetStatus(StatusOffline))
	assert.False(t, r.SetStatus(StatusOffline), "second fail is a no-op")

	_, err = r.Get("A1")
	assert.ErrorIs(t, err, ErrOffline)

	peek, err := r.Peek("A1")
	require.NoError(t, err)
	assert.Equal(t, "ALICE", peek.Name)
	raw, err := r.Raw("A1")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestPrepareCommit(t *testing.T) {
	r := seeded(t)
	before, _ := r.Get("A1")
	next := before.WithMarks(20, 40)
	next.Version++

	require.NoError(t, r.Prepare("tx-1", next))
	assert.Equal(t, 1, r.Info().Pending)

	// staged writes are invisible until commit
	cur, _ := r.Get("A1")
	assert.Equal(t, before, cur)

	require.NoError(t, r.Commit("tx-1"))
	cur, _ = r.Get("A1")
	assert.Equal(t, next, cur)

	err := r.Commit("tx-1")
	assert.ErrorIs(t, err, ErrUnknownTx)

	ops := r.Info().Ops
	assert.Equal(t, uint64(1), ops.Prepares)
	assert.Equal(t, uint64(1), ops.Commits)
}

func TestPrepareVotesNo(t *testing.T) {
	t.Run("missing record", func(t *testing.T) {
		r := seeded(t)
		err := r.Prepare("tx", Record{RollNumber: "ZZ"})
		assert.ErrorIs(t, err, storage.ErrKeyNotFound)
		assert.Zero(t, r.Info().Pending)
	})

	t.Run("offline", func(t *testing.T) {
		r := seeded(t)
		raw, _ := r.Raw("A1")
		r.SetStatus(StatusOffline)

		err := r.Prepare("tx", Record{RollNumber: "A1", MSE: 1})
		assert.True(t, errors.Is(err, ErrOffline))

		after, _ := r.Raw("A1")
		assert.Equal(t, raw, after)
	})
}

func TestAbortAndFailDropStagedWrites(t *testing.T) {
	r := seeded(t)
	raw, _ := r.Raw("A1")

	require.NoError(t, r.Prepare("tx-1", Record{RollNumber: "A1", MSE: 1}))
	r.Abort("tx-1")
	r.Abort("tx-1")
	assert.Zero(t, r.Info().Pending)

	require.NoError(t, r.Prepare("tx-2", Record{RollNumber: "A1", MSE: 2}))
	r.SetStatus(StatusOffline)
	assert.Zero(t, r.Info().Pending)
	r.SetStatus(StatusOnline)
	assert.Error(t, r.Commit("tx-2"))

	after, _ := r.Raw("A1")
	assert.Equal(t, raw, after)
	assert.Equal(t, uint64(2), r.Info().Ops.Aborts)
}

func TestReset(t *testing.T) {
	r := seeded(t)
	_, _ = r.Get("A1")
	r.SetStatus(StatusOffline)

	r.Reset()
	info := r.Info()
	assert.Equal(t, StatusOnline, info.Status)
	assert.Zero(t, info.RecordCount)
	assert.Equal(t, Stats{}, info.Ops)
	assert.Empty(t, r.Keys())
}

func TestConcurrentPrepareCommit(t *testing.T) {
	r := seeded(t)
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := string(rune('a' + i%26)) + string(rune('0'+i/26))
			if err := r.Prepare(tx, Record{RollNumber: "B2", MSE: i}); err == nil {
				_ = r.Commit(tx)
			}
			_, _ = r.Get("B2")
			_ = r.Info()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(32), r.Info().Ops.Commits)
	assert.Equal(t, []string{"A1", "B2"}, r.Keys())
}
