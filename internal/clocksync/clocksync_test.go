package clocksync

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/proctor/internal/fault"
)

func TestSynchronizeTwoParticipants(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("teacher", "10:00:00"))
	require.NoError(t, svc.Register("student1", "10:00:10"))

	round, err := svc.Synchronize()
	require.NoError(t, err)

	assert.Equal(t, "10:00:05", round.AverageTime)
	assert.Equal(t, map[string]int{"teacher": 5, "student1": -5}, round.Adjustments)
	assert.Equal(t, map[string]string{"teacher": "10:00:05", "student1": "10:00:05"}, round.UpdatedTimes)
	assert.Equal(t, 2, round.Participants)
}

func TestSynchronizeRoundsHalfUp(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("a", "00:00:00"))
	require.NoError(t, svc.Register("b", "00:00:01"))

	round, err := svc.Synchronize()
	require.NoError(t, err)

	// mean is 0.5s, rounded up to 1
	assert.Equal(t, "00:00:01", round.AverageTime)
	assert.Equal(t, 1, round.Adjustments["a"])
	assert.Equal(t, 0, round.Adjustments["b"])
}

func TestSynchronizeAdjustmentsSumNearZero(t *testing.T) {
	inputs := [][]string{
		{"08:15:00", "08:16:30", "08:14:45"},
		{"00:00:00", "23:59:59"},
		{"12:00:00", "12:00:01", "12:00:02", "12:00:04"},
		{"01:02:03", "04:05:06", "07:08:09", "10:11:12", "13:14:15"},
	}

	for i, times := range inputs {
		t.Run(fmt.Sprintf("set-%d", i), func(t *testing.T) {
			svc := New(2)
			sum := 0
			for j, tm := range times {
				require.NoError(t, svc.Register(fmt.Sprintf("p%d", j), tm))
				secs, _ := ParseClock(tm)
				sum += secs
			}

			round, err := svc.Synchronize()
			require.NoError(t, err)

			avg, err := ParseClock(round.AverageTime)
			require.NoError(t, err)
			n := len(times)
			assert.Equal(t, (2*sum+n)/(2*n), avg)

			total := 0
			for _, adj := range round.Adjustments {
				total += adj
			}
			// each participant is off by at most half a second of rounding
			assert.LessOrEqual(t, abs(total), n)
		})
	}
}

func TestSynchronizeAcrossMidnightIsLinear(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("late", "23:59:50"))
	require.NoError(t, svc.Register("early", "00:00:10"))

	round, err := svc.Synchronize()
	require.NoError(t, err)
	assert.Equal(t, "12:00:00", round.AverageTime)
}

func TestSynchronizeInsufficientParticipants(t *testing.T) {
	svc := New(2)
	_, err := svc.Synchronize()
	assert.True(t, errors.Is(err, fault.ErrInsufficientParticipants))

	require.NoError(t, svc.Register("teacher", "10:00:00"))
	_, err = svc.Synchronize()
	assert.True(t, errors.Is(err, fault.ErrInsufficientParticipants))

	// re-registering the same role does not add a participant
	require.NoError(t, svc.Register("teacher", "10:00:01"))
	_, err = svc.Synchronize()
	assert.True(t, errors.Is(err, fault.ErrInsufficientParticipants))
}

func TestSynchronizeConsumesParticipants(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("a", "10:00:00"))
	require.NoError(t, svc.Register("b", "10:00:02"))

	_, err := svc.Synchronize()
	require.NoError(t, err)

	st := svc.Status()
	assert.Empty(t, st.Participants)
	require.NotNil(t, st.LastRound)
	assert.Equal(t, "10:00:01", st.LastRound.AverageTime)

	_, err = svc.Synchronize()
	assert.True(t, errors.Is(err, fault.ErrInsufficientParticipants))
}

func TestRegisterOverwrites(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("teacher", "10:00:00"))
	require.NoError(t, svc.Register("teacher", "11:00:00"))

	st := svc.Status()
	assert.Equal(t, []string{"teacher"}, st.Participants)
	assert.Equal(t, "11:00:00", st.SystemTimes["teacher"])
}

func TestRegisterRejectsBadInput(t *testing.T) {
	svc := New(2)

	assert.True(t, errors.Is(svc.Register("", "10:00:00"), fault.ErrInvalidArgument))

	for _, bad := range []string{"", "10:00", "24:00:00", "10:60:00", "10:00:60", "1:00:00", "aa:bb:cc", "10-00-00", "10:00:00 ", "+9:00:00", "09:5:000", "1:00:000", "10:00:0x", "-1:00:00"} {
		t.Run(bad, func(t *testing.T) {
			err := svc.Register("teacher", bad)
			assert.True(t, errors.Is(err, fault.ErrMalformedTime), "got %v", err)
		})
	}
	assert.Empty(t, svc.Status().Participants)
}

func TestParseFormatClock(t *testing.T) {
	tests := []struct {
		in   string
		secs int
	}{
		{"00:00:00", 0},
		{"10:00:05", 36005},
		{"23:59:59", SecondsPerDay - 1},
	}
	for _, tt := range tests {
		secs, err := ParseClock(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.secs, secs)
		assert.Equal(t, tt.in, FormatClock(secs))
	}
}

func TestResetIsIdempotent(t *testing.T) {
	svc := New(2)
	require.NoError(t, svc.Register("a", "10:00:00"))
	require.NoError(t, svc.Register("b", "10:00:00"))
	_, err := svc.Synchronize()
	require.NoError(t, err)
	require.NoError(t, svc.Register("c", "09:00:00"))

	svc.Reset()
	first := svc.Status()
	svc.Reset()
	second := svc.Status()

	assert.Equal(t, first, second)
	assert.Empty(t, first.Participants)
	assert.Nil(t, first.LastRound)
}

func TestConcurrentRegister(t *testing.T) {
	svc := New(2)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = svc.Register(fmt.Sprintf("p%02d", i), FormatClock(i*60))
		}(i)
	}
	wg.Wait()

	assert.Len(t, svc.Status().Participants, 50)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
