package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runmux/runmux/internal/binary"
	"github.com/runmux/runmux/internal/record"
)

func newTestSession() *Session {
	return New("sess-test", binary.Info{Path: "/bin/true"}, nil, time.Time{})
}

func TestStateTerminal(t *testing.T) {
	for _, st := range []State{StateCompleted, StateStopped, StateCancelled, StateTimedOut, StateFailed} {
		assert.True(t, st.Terminal(), "%s should be terminal", st)
	}
	for _, st := range []State{StateCreated, StateStarting, StateRunning, StatePaused, StateStopping} {
		assert.False(t, st.Terminal(), "%s should not be terminal", st)
	}
}

func TestSessionHappyPathWalk(t *testing.T) {
	s := newTestSession()
	require.Equal(t, StateCreated, s.State())

	require.NoError(t, s.Transition(StateStarting))
	require.NoError(t, s.Transition(StateRunning))
	require.NoError(t, s.Transition(StatePaused))
	require.NoError(t, s.Transition(StateRunning))

	code := 0
	require.NoError(t, s.Settle(StateCompleted, &code, ""))
	assert.Equal(t, StateCompleted, s.State())

	got, ok := s.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, got)
}

func TestSessionInvalidTransitions(t *testing.T) {
	cases := []struct {
		name string
		walk []State
		to   State
	}{
		{"created to running", nil, StateRunning},
		{"created to paused", nil, StatePaused},
		{"starting to paused", []State{StateStarting}, StatePaused},
		{"running to starting", []State{StateStarting, StateRunning}, StateStarting},
		{"paused to starting", []State{StateStarting, StateRunning, StatePaused}, StateStarting},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession()
			for _, st := range tc.walk {
				require.NoError(t, s.Transition(st))
			}
			before := s.State()
			err := s.Transition(tc.to)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, s.State(), "failed transition must not change state")
		})
	}
}

func TestSessionTerminalIsFinal(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.BeginTermination(StateCancelled, "user request"))
	require.Equal(t, StateCancelled, s.State())

	err := s.Transition(StateStarting)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestSessionBeginTerminationFromRunning(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.Transition(StateStarting))
	require.NoError(t, s.Transition(StateRunning))

	require.NoError(t, s.BeginTermination(StateStopped, "requested stop"))
	assert.Equal(t, StateStopping, s.State())
	assert.Equal(t, StateStopped, s.PendingTarget())

	// A second attempt while stopping fails fast.
	err := s.BeginTermination(StateCancelled, "too late")
	require.ErrorIs(t, err, ErrAlreadyTerminating)

	// The pending target wins over the exit outcome.
	code := 0
	require.NoError(t, s.Settle(StateCompleted, &code, ""))
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, "requested stop", s.Reason())
}

func TestSessionCancelBeforeStart(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.BeginTermination(StateCancelled, "never started"))
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, "never started", s.Reason())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed on terminal")
	}
}

func TestSessionSettleDirectFromRunning(t *testing.T) {
	// A crash settles without an explicit BeginTermination.
	s := newTestSession()
	require.NoError(t, s.Transition(StateStarting))
	require.NoError(t, s.Transition(StateRunning))

	code := 137
	require.NoError(t, s.Settle(StateFailed, &code, "signal: killed"))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, "signal: killed", s.Reason())
}

func TestSessionSettleTwice(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.Transition(StateStarting))
	require.NoError(t, s.Transition(StateRunning))

	code := 0
	require.NoError(t, s.Settle(StateCompleted, &code, ""))
	err := s.Settle(StateFailed, &code, "late")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSessionConcurrentTerminationOneWinner(t *testing.T) {
	s := newTestSession()
	require.NoError(t, s.Transition(StateStarting))
	require.NoError(t, s.Transition(StateRunning))

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.BeginTermination(StateCancelled, "racer")
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyTerminating):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one termination must win")
	assert.Equal(t, attempts-1, losses)
}

func TestSessionHistoryAndCounters(t *testing.T) {
	s := newTestSession()

	s.AppendRecord(record.Record{Type: "tick"})
	s.AppendRecord(record.Record{Type: record.TypeParseError})
	s.AppendRecord(record.Record{Type: record.TypeEnd})
	s.AddBytesIn(512)
	s.AddHandlerErrors(2)

	m := s.Metrics()
	assert.Equal(t, int64(3), m.RecordsParsed)
	assert.Equal(t, int64(1), m.ParseErrors)
	assert.Equal(t, int64(2), m.HandlerErrors)
	assert.Equal(t, int64(512), m.BytesIn)
	assert.True(t, s.SawEnd())

	hist := s.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "tick", hist[0].Type)
	assert.Equal(t, record.TypeEnd, hist[2].Type)
}

func TestSessionPreloadHistory(t *testing.T) {
	s := newTestSession()
	recs := []record.Record{{Type: "tick"}, {Type: record.TypeEnd}}
	s.PreloadHistory(recs, Metrics{RecordsParsed: 2, Restarts: 1})

	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, int64(2), s.Metrics().RecordsParsed)
	assert.Equal(t, int64(1), s.Metrics().Restarts)
}
