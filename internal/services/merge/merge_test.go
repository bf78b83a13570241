package merge

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEngine(cfg Config) *Engine {
	return NewEngine(cfg, quietLogger())
}

func frame(values map[int]byte) []byte {
	f := make([]byte, UniverseSize)
	for i, v := range values {
		f[i] = v
	}
	return f
}

func TestCommit_HTPPerSlotMax(t *testing.T) {
	e := newEngine(DefaultConfig())

	_, err := e.Commit("a", 1, 100, frame(map[int]byte{0: 10, 1: 200, 2: 5}), t0)
	require.NoError(t, err)
	res, err := e.Commit("b", 1, 100, frame(map[int]byte{0: 50, 1: 20, 3: 7}), t0)
	require.NoError(t, err)

	assert.Equal(t, byte(50), res.Frame[0])
	assert.Equal(t, byte(200), res.Frame[1])
	assert.Equal(t, byte(5), res.Frame[2])
	assert.Equal(t, byte(7), res.Frame[3])
	assert.Equal(t, 2, res.Sources)
}

func TestCommit_HTPIndependentOfOrder(t *testing.T) {
	frames := map[string][]byte{
		"a": frame(map[int]byte{0: 1, 100: 90, 511: 3}),
		"b": frame(map[int]byte{0: 9, 100: 10, 511: 255}),
		"c": frame(map[int]byte{0: 4, 100: 91}),
	}
	orders := [][]string{{"a", "b", "c"}, {"c", "b", "a"}, {"b", "a", "c"}}

	var first Frame
	for i, order := range orders {
		e := newEngine(DefaultConfig())
		var res Result
		for _, id := range order {
			var err error
			res, err = e.Commit(id, 5, 100, frames[id], t0)
			require.NoError(t, err)
		}
		if i == 0 {
			first = res.Frame
			continue
		}
		assert.Equal(t, first, res.Frame, "order %v", order)
	}
	assert.Equal(t, byte(9), first[0])
	assert.Equal(t, byte(91), first[100])
	assert.Equal(t, byte(255), first[511])
}

func TestCommit_HTPIgnoresLowerPriority(t *testing.T) {
	e := newEngine(DefaultConfig())

	_, err := e.Commit("low", 1, 50, frame(map[int]byte{0: 255, 1: 255}), t0)
	require.NoError(t, err)
	res, err := e.Commit("high", 1, 150, frame(map[int]byte{0: 10}), t0)
	require.NoError(t, err)

	assert.Equal(t, byte(10), res.Frame[0])
	assert.Equal(t, byte(0), res.Frame[1])
}

func TestCommit_LTPLastCommitWins(t *testing.T) {
	e := newEngine(DefaultConfig())
	require.NoError(t, e.SetPolicy(1, LTP))

	_, err := e.Commit("a", 1, 200, frame(map[int]byte{0: 255, 1: 255}), t0)
	require.NoError(t, err)
	b := frame(map[int]byte{0: 1})
	res, err := e.Commit("b", 1, 10, b, t0.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, b, res.Frame[:])

	a2 := frame(map[int]byte{2: 3})
	res, err = e.Commit("a", 1, 200, a2, t0.Add(2*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, a2, res.Frame[:])
	assert.Equal(t, LTP, e.Policy(1))
	assert.Equal(t, HTP, e.Policy(2))
}

func TestCommit_StaleSourceExcluded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	e := newEngine(cfg)

	_, err := e.Commit("a", 1, 150, frame(map[int]byte{0: 255, 1: 255}), t0)
	require.NoError(t, err)

	b := frame(map[int]byte{0: 20})
	res, err := e.Commit("b", 1, 100, b, t0.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, b, res.Frame[:], "stale source must contribute nothing")
	assert.Equal(t, 1, res.Sources)
	assert.Equal(t, uint64(1), e.Counters().Evicted)

	resHigh, err := e.Commit("c", 1, 180, frame(map[int]byte{0: 30}), t0.Add(1600*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, byte(30), resHigh.Frame[0])
}

func TestCommit_DisableTimeoutKeepsSources(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.DisableTimeout = true
	e := newEngine(cfg)

	_, err := e.Commit("a", 1, 100, frame(map[int]byte{0: 255}), t0)
	require.NoError(t, err)
	res, err := e.Commit("b", 1, 100, frame(map[int]byte{1: 1}), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, byte(255), res.Frame[0])
	assert.Equal(t, 2, res.Sources)
	assert.Nil(t, e.Expire(t0.Add(2*time.Hour)))
}

func TestCommit_InvalidUniverseLeavesStateUnchanged(t *testing.T) {
	e := newEngine(DefaultConfig())
	_, err := e.Commit("a", 1, 100, frame(map[int]byte{0: 42}), t0)
	require.NoError(t, err)
	before, _ := e.Result(1)

	_, err = e.Commit("a", 70000, 100, frame(map[int]byte{0: 1}), t0)
	assert.True(t, errors.Is(err, ErrInvalidUniverse))
	_, err = e.Commit("a", -1, 100, frame(nil), t0)
	assert.True(t, errors.Is(err, ErrInvalidUniverse))

	after, ok := e.Result(1)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, []int{1}, e.Universes())
	assert.Len(t, e.Sources(1), 1)
	assert.Equal(t, uint64(2), e.Counters().InvalidUniverse)
}

func TestCommit_MalformedFrame(t *testing.T) {
	e := newEngine(DefaultConfig())

	_, err := e.Commit("a", 1, 100, make([]byte, 511), t0)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	_, err = e.Commit("a", 1, 100, make([]byte, 513), t0)
	assert.True(t, errors.Is(err, ErrMalformedFrame))
	_, err = e.Commit("a", 1, 201, make([]byte, 512), t0)
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	assert.Nil(t, e.Sources(1))
	assert.Equal(t, uint64(3), e.Counters().Malformed)
}

func TestCommit_SourceTableFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSources = 2
	cfg.Timeout = time.Second
	e := newEngine(cfg)

	_, err := e.Commit("a", 1, 100, frame(nil), t0)
	require.NoError(t, err)
	_, err = e.Commit("b", 1, 100, frame(nil), t0)
	require.NoError(t, err)

	_, err = e.Commit("c", 1, 100, frame(map[int]byte{0: 9}), t0)
	assert.True(t, errors.Is(err, ErrSourceTableFull))
	assert.Len(t, e.Sources(1), 2)

	// existing sources still update
	_, err = e.Commit("a", 1, 100, frame(map[int]byte{0: 1}), t0)
	assert.NoError(t, err)

	// a stale source frees its slot
	_, err = e.Commit("a", 1, 100, frame(nil), t0.Add(1500*time.Millisecond))
	require.NoError(t, err)
	_, err = e.Commit("c", 1, 100, frame(nil), t0.Add(1500*time.Millisecond))
	assert.NoError(t, err)
}

func TestCommit_ChangedFlag(t *testing.T) {
	e := newEngine(DefaultConfig())

	res, err := e.Commit("a", 1, 100, frame(nil), t0)
	require.NoError(t, err)
	assert.True(t, res.Changed, "first merge is always a change")

	res, err = e.Commit("a", 1, 100, frame(nil), t0)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	res, err = e.Commit("a", 1, 100, frame(map[int]byte{7: 1}), t0)
	require.NoError(t, err)
	assert.True(t, res.Changed)
}

func TestExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	e := newEngine(cfg)

	_, err := e.Commit("a", 1, 100, frame(map[int]byte{0: 100}), t0)
	require.NoError(t, err)
	_, err = e.Commit("b", 1, 100, frame(map[int]byte{0: 50}), t0.Add(800*time.Millisecond))
	require.NoError(t, err)

	assert.Empty(t, e.Expire(t0.Add(time.Second)))

	results := e.Expire(t0.Add(1200 * time.Millisecond))
	require.Len(t, results, 1)
	assert.Equal(t, byte(50), results[0].Frame[0])
	assert.True(t, results[0].Changed)
	assert.Equal(t, 1, results[0].Sources)

	results = e.Expire(t0.Add(5 * time.Second))
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Sources)
	assert.Equal(t, Frame{}, results[0].Frame)
}

func TestRemove(t *testing.T) {
	e := newEngine(DefaultConfig())
	_, err := e.Commit("a", 1, 100, frame(map[int]byte{0: 100}), t0)
	require.NoError(t, err)
	_, err = e.Commit("b", 1, 100, frame(map[int]byte{0: 50}), t0)
	require.NoError(t, err)

	res, ok := e.Remove("a", 1)
	require.True(t, ok)
	assert.Equal(t, byte(50), res.Frame[0])

	_, ok = e.Remove("a", 1)
	assert.False(t, ok)
	_, ok = e.Remove("a", 9)
	assert.False(t, ok)
}

func TestSources_Winning(t *testing.T) {
	e := newEngine(DefaultConfig())
	_, err := e.Commit("a", 1, 100, frame(nil), t0)
	require.NoError(t, err)
	_, err = e.Commit("b", 1, 120, frame(nil), t0)
	require.NoError(t, err)

	for _, s := range e.Sources(1) {
		assert.Equal(t, s.ID == "b", s.Winning, s.ID)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("ltp")
	require.NoError(t, err)
	assert.Equal(t, LTP, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, HTP, p)
	_, err = ParsePolicy("max")
	assert.Error(t, err)
}
