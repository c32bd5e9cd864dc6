package router

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runmux/runmux/internal/record"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tickRecord() *record.Record {
	return &record.Record{Type: "tick", Payload: map[string]any{"seq": float64(1)}}
}

func TestRouterDispatchByType(t *testing.T) {
	r := New(testLogger())

	var got []string
	r.Register("tick", 0, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		got = append(got, "tick")
		return Continue, nil
	}))
	r.Register("end", 0, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		got = append(got, "end")
		return Continue, nil
	}))

	res := r.Dispatch(tickRecord())
	require.Equal(t, 1, res.Handled)
	assert.Equal(t, []string{"tick"}, got)
}

func TestRouterPriorityOrder(t *testing.T) {
	r := New(testLogger())

	var order []int
	for _, prio := range []int{5, 1, 3} {
		p := prio
		r.Register("tick", p, HandlerFunc(func(rec *record.Record) (Disposition, error) {
			order = append(order, p)
			return Continue, nil
		}))
	}

	res := r.Dispatch(tickRecord())
	require.Equal(t, 3, res.Handled)
	assert.Equal(t, []int{1, 3, 5}, order)
}

func TestRouterRegistrationOrderBreaksTies(t *testing.T) {
	r := New(testLogger())

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		r.Register("tick", 2, HandlerFunc(func(rec *record.Record) (Disposition, error) {
			order = append(order, n)
			return Continue, nil
		}))
	}

	r.Dispatch(tickRecord())
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRouterFinalStopsChain(t *testing.T) {
	r := New(testLogger())

	var order []int
	r.Register("tick", 1, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		order = append(order, 1)
		return Final, nil
	}))
	r.Register("tick", 2, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		order = append(order, 2)
		return Continue, nil
	}))

	res := r.Dispatch(tickRecord())
	require.Equal(t, 1, res.Handled)
	assert.Equal(t, []int{1}, order, "handler after Final must not run")
}

func TestRouterDefaultHandler(t *testing.T) {
	r := New(testLogger())

	var fallbackRan bool
	r.SetDefault(HandlerFunc(func(rec *record.Record) (Disposition, error) {
		fallbackRan = true
		return Continue, nil
	}))
	r.Register("end", 0, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		t.Fatal("typed handler must not run for unmatched type")
		return Continue, nil
	}))

	res := r.Dispatch(tickRecord())
	require.Equal(t, 1, res.Handled)
	assert.True(t, fallbackRan)
}

func TestRouterUnmatchedWithoutDefault(t *testing.T) {
	r := New(testLogger())

	res := r.Dispatch(tickRecord())
	assert.Zero(t, res.Handled)
	assert.Empty(t, res.Errors)
}

func TestRouterHandlerErrorContinuesChain(t *testing.T) {
	r := New(testLogger())

	handlerErr := errors.New("handler exploded")
	var secondRan bool
	r.Register("tick", 1, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		return Continue, handlerErr
	}))
	r.Register("tick", 2, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		secondRan = true
		return Continue, nil
	}))

	rec := tickRecord()
	res := r.Dispatch(rec)
	require.Equal(t, 2, res.Handled)
	assert.True(t, secondRan, "chain continues past a failing handler")
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], handlerErr)
	assert.Len(t, rec.HandlerErrors, 1)
}

func TestRouterHandlerPanicIsContained(t *testing.T) {
	r := New(testLogger())

	var secondRan bool
	r.Register("tick", 1, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		panic("boom")
	}))
	r.Register("tick", 2, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		secondRan = true
		return Continue, nil
	}))

	res := r.Dispatch(tickRecord())
	require.Equal(t, 2, res.Handled)
	assert.True(t, secondRan, "panic in one handler must not stop the chain")
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "boom")
}

func TestRouterParseErrorRouting(t *testing.T) {
	r := New(testLogger())

	var gotType string
	r.Register(record.TypeParseError, 0, HandlerFunc(func(rec *record.Record) (Disposition, error) {
		gotType = rec.Type
		return Continue, nil
	}))

	rec := &record.Record{Type: record.TypeParseError, Payload: map[string]any{"preview": "{\"bad"}}
	res := r.Dispatch(rec)
	require.Equal(t, 1, res.Handled)
	assert.Equal(t, record.TypeParseError, gotType)
}
