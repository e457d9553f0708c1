// Package clocksync implements single-round Berkeley clock synchronization.
//
// Participants report their wall-clock time as "HH:MM:SS". A round averages
// the reported seconds-since-midnight, then hands every participant the same
// corrected time together with its signed adjustment. Participants are
// consumed by the round; the result is kept for status queries.
//
// Averaging is linear over [0, 86399]. Times that straddle midnight are not
// unwrapped onto a circle, so "23:59:50" and "00:00:10" average to midday.
// The mean is rounded half-up and clamped into the day.
package clocksync

import (
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/proctor/internal/fault"
)

// SecondsPerDay bounds every clock value.
const SecondsPerDay = 24 * 60 * 60

// Round is the outcome of one synchronization.
type Round struct {
	At           time.Time         `json:"at"`
	Adjustments  map[string]int    `json:"adjustments"`
	UpdatedTimes map[string]string `json:"updated_times"`
	AverageTime  string            `json:"average_time"`
	Participants int               `json:"participants"`
}

// Status is a read-only view of the service.
type Status struct {
	LastRound    *Round            `json:"last_round,omitempty"`
	SystemTimes  map[string]string `json:"system_times"`
	Participants []string          `json:"participants"`
}

// Service collects participant clocks and runs synchronization rounds.
// Safe for concurrent use.
type Service struct {
	times           map[string]int // role -> seconds since midnight
	last            *Round
	now             func() time.Time
	mu              sync.Mutex
	minParticipants int
}

// New returns a service that refuses to synchronize with fewer than
// minParticipants registered clocks.
func New(minParticipants int) *Service {
	return &Service{
		times:           make(map[string]int),
		minParticipants: minParticipants,
		now:             time.Now,
	}
}

// Register upserts the reported time of role.
func (s *Service) Register(role, hhmmss string) error {
	if role == "" {
		return fault.New(fault.InvalidArgument, "role cannot be empty")
	}
	secs, err := ParseClock(hhmmss)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[role] = secs
	return nil
}

// Synchronize runs one Berkeley round over the registered participants and
// clears them.
func (s *Service) Synchronize() (Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.times)
	if n < s.minParticipants {
		return Round{}, fault.New(fault.InsufficientParticipants,
			"need at least %d participants, have %d", s.minParticipants, n)
	}

	sum := 0
	for _, secs := range s.times {
		sum += secs
	}
	avg := (2*sum + n) / (2 * n)
	avg = min(max(avg, 0), SecondsPerDay-1)
	formatted := FormatClock(avg)

	round := Round{
		AverageTime:  formatted,
		Adjustments:  make(map[string]int, n),
		UpdatedTimes: make(map[string]string, n),
		Participants: n,
		At:           s.now(),
	}
	for role, secs := range s.times {
		round.Adjustments[role] = avg - secs
		round.UpdatedTimes[role] = formatted
	}

	log.Printf("clock sync: %d participants averaged to %s", n, formatted)

	s.times = make(map[string]int)
	s.last = &round
	return round, nil
}

// Status returns registered participants and the last round, if any.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Participants: make([]string, 0, len(s.times)),
		SystemTimes:  make(map[string]string, len(s.times)),
	}
	for role, secs := range s.times {
		st.Participants = append(st.Participants, role)
		st.SystemTimes[role] = FormatClock(secs)
	}
	slices.Sort(st.Participants)
	if s.last != nil {
		last := *s.last
		st.LastRound = &last
	}
	return st
}

// Reset forgets all participants and the last round.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = make(map[string]int)
	s.last = nil
}

// ParseClock converts a strict 24-hour "HH:MM:SS" string to seconds since
// midnight. Hours must be zero-padded.
func ParseClock(v string) (int, error) {
	if len(v) != len(time.TimeOnly) {
		return 0, fault.New(fault.MalformedTime, "%q is not HH:MM:SS", v)
	}
	t, err := time.Parse(time.TimeOnly, v)
	if err != nil {
		return 0, fault.New(fault.MalformedTime, "%q is not a valid 24-hour time", v)
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}

// FormatClock renders seconds since midnight as "HH:MM:SS".
func FormatClock(secs int) string {
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
