// Package merge resolves concurrent network sources writing to the same
// universe into one 512-slot frame.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// UniverseSize is the number of slots in a universe frame.
	UniverseSize = 512
	// DefaultMaxUniverse is the highest universe accepted by default.
	DefaultMaxUniverse = 63999
	// DefaultMaxSources is the per-universe source table size.
	DefaultMaxSources = 4
	// DefaultTimeout is the network data loss window.
	DefaultTimeout = 2500 * time.Millisecond
	// MaxPriority is the highest priority a source may declare.
	MaxPriority = 200
)

var (
	// ErrInvalidUniverse is returned for a universe outside the configured range.
	ErrInvalidUniverse = errors.New("invalid universe")
	// ErrMalformedFrame is returned for a frame that is not exactly 512 slots or
	// carries a priority above 200.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrSourceTableFull is returned when a new source would exceed the table.
	ErrSourceTableFull = errors.New("source table full")
)

// Policy selects how sources are combined.
type Policy int

const (
	// HTP takes the per-slot maximum among the highest priority sources.
	HTP Policy = iota
	// LTP takes the most recently committed source's frame.
	LTP
)

func (p Policy) String() string {
	if p == LTP {
		return "ltp"
	}
	return "htp"
}

// ParsePolicy accepts "htp" or "ltp".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "htp", "HTP", "":
		return HTP, nil
	case "ltp", "LTP":
		return LTP, nil
	}
	return HTP, fmt.Errorf("unknown merge policy %q", s)
}

// Frame is one universe's worth of slots.
type Frame [UniverseSize]byte

// Result is the merged output of one universe.
type Result struct {
	Universe int
	Frame    Frame
	// Changed reports whether Frame differs from the previous merge.
	Changed bool
	// Sources is the number of live sources that took part.
	Sources int
}

// SourceInfo describes a live source for diagnostics.
type SourceInfo struct {
	ID         string    `json:"id"`
	Priority   uint8     `json:"priority"`
	LastUpdate time.Time `json:"lastUpdate"`
	Winning    bool      `json:"winning"`
}

// Config holds merge engine settings.
type Config struct {
	MinUniverse int
	MaxUniverse int
	MaxSources  int
	Timeout     time.Duration
	// DisableTimeout keeps sources until they are removed explicitly.
	DisableTimeout bool
	Policy         Policy
}

// DefaultConfig returns sACN-style defaults.
func DefaultConfig() Config {
	return Config{
		MinUniverse: 0,
		MaxUniverse: DefaultMaxUniverse,
		MaxSources:  DefaultMaxSources,
		Timeout:     DefaultTimeout,
		Policy:      HTP,
	}
}

type source struct {
	id         string
	priority   uint8
	lastUpdate time.Time
	order      uint64
	slots      Frame
}

type universe struct {
	policy  Policy
	sources []*source
	last    Frame
	merged  bool
}

// Counters are diagnostics for dropped input.
type Counters struct {
	Commits         uint64 `json:"commits"`
	InvalidUniverse uint64 `json:"invalidUniverse"`
	Malformed       uint64 `json:"malformed"`
	TableFull       uint64 `json:"tableFull"`
	Evicted         uint64 `json:"evicted"`
}

// Engine owns every universe's source table. All mutation goes through Commit,
// Remove and Expire.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	universes map[int]*universe
	policies  map[int]Policy
	order     uint64
	counters  Counters
	log       logrus.FieldLogger
}

// NewEngine creates a merge engine, applying defaults for zero values.
func NewEngine(cfg Config, log logrus.FieldLogger) *Engine {
	defaults := DefaultConfig()
	if cfg.MaxUniverse == 0 {
		cfg.MaxUniverse = defaults.MaxUniverse
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaults.MaxSources
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		cfg:       cfg,
		universes: make(map[int]*universe),
		policies:  make(map[int]Policy),
		log:       log.WithField("component", "merge"),
	}
}

// SetPolicy sets the merge policy of one universe and recomputes its output.
func (e *Engine) SetPolicy(u int, p Policy) error {
	if err := e.checkUniverse(u); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[u] = p
	if st, ok := e.universes[u]; ok {
		st.policy = p
		if st.merged {
			e.recompute(u, st)
		}
	}
	return nil
}

// Policy returns the merge policy in effect for a universe.
func (e *Engine) Policy(u int) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[u]; ok {
		return p
	}
	return e.cfg.Policy
}

func (e *Engine) checkUniverse(u int) error {
	if u < e.cfg.MinUniverse || u > e.cfg.MaxUniverse {
		return fmt.Errorf("%w: %d not in %d-%d", ErrInvalidUniverse, u, e.cfg.MinUniverse, e.cfg.MaxUniverse)
	}
	return nil
}

// Commit records a source's frame and returns the new merged result. It never
// blocks beyond the engine's mutex. On error no state is changed.
func (e *Engine) Commit(sourceID string, u int, priority uint8, slots []byte, ts time.Time) (Result, error) {
	if err := e.checkUniverse(u); err != nil {
		e.count(func(c *Counters) { c.InvalidUniverse++ })
		return Result{}, err
	}
	if len(slots) != UniverseSize {
		e.count(func(c *Counters) { c.Malformed++ })
		return Result{}, fmt.Errorf("%w: %d slots, want %d", ErrMalformedFrame, len(slots), UniverseSize)
	}
	if priority > MaxPriority {
		e.count(func(c *Counters) { c.Malformed++ })
		return Result{}, fmt.Errorf("%w: priority %d above %d", ErrMalformedFrame, priority, MaxPriority)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.universes[u]
	if st == nil {
		st = &universe{policy: e.cfg.Policy}
		if p, ok := e.policies[u]; ok {
			st.policy = p
		}
	}

	live := e.liveSources(st, ts)
	var src *source
	for _, s := range live {
		if s.id == sourceID {
			src = s
			break
		}
	}
	joined := src == nil
	if joined && len(live) >= e.cfg.MaxSources {
		e.counters.TableFull++
		return Result{}, fmt.Errorf("%w: universe %d already has %d sources", ErrSourceTableFull, u, len(live))
	}

	e.dropStale(u, st, live)
	if joined {
		src = &source{id: sourceID}
		st.sources = append(st.sources, src)
		e.log.WithFields(logrus.Fields{"universe": u, "source": sourceID, "priority": priority}).Info("Source joined")
	}
	e.universes[u] = st

	e.order++
	src.priority = priority
	src.lastUpdate = ts
	src.order = e.order
	copy(src.slots[:], slots)
	e.counters.Commits++

	return e.recompute(u, st), nil
}

// liveSources returns the sources of st that are not stale at now, without
// modifying st.
func (e *Engine) liveSources(st *universe, now time.Time) []*source {
	live := make([]*source, 0, len(st.sources)+1)
	for _, s := range st.sources {
		if e.cfg.DisableTimeout || now.Sub(s.lastUpdate) <= e.cfg.Timeout {
			live = append(live, s)
		}
	}
	return live
}

// dropStale replaces st's sources with live. Callers hold e.mu.
func (e *Engine) dropStale(u int, st *universe, live []*source) {
	for _, s := range st.sources {
		if !contains(live, s) {
			e.counters.Evicted++
			e.log.WithFields(logrus.Fields{"universe": u, "source": s.id}).Info("Source timed out")
		}
	}
	st.sources = live
}

func contains(list []*source, s *source) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// recompute merges st's live sources. Callers hold e.mu.
func (e *Engine) recompute(u int, st *universe) Result {
	var out Frame
	switch {
	case len(st.sources) == 0:
	case st.policy == LTP:
		latest := st.sources[0]
		for _, s := range st.sources[1:] {
			if s.order > latest.order {
				latest = s
			}
		}
		out = latest.slots
	default:
		top := st.sources[0].priority
		for _, s := range st.sources[1:] {
			if s.priority > top {
				top = s.priority
			}
		}
		for _, s := range st.sources {
			if s.priority != top {
				continue
			}
			for i, v := range s.slots {
				if v > out[i] {
					out[i] = v
				}
			}
		}
	}

	changed := !st.merged || out != st.last
	st.last = out
	st.merged = true
	return Result{Universe: u, Frame: out, Changed: changed, Sources: len(st.sources)}
}

// Remove drops a source immediately, as on an sACN stream-terminated packet.
// It reports whether the source was present.
func (e *Engine) Remove(sourceID string, u int) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.universes[u]
	if !ok {
		return Result{}, false
	}
	for i, s := range st.sources {
		if s.id == sourceID {
			st.sources = append(st.sources[:i], st.sources[i+1:]...)
			e.log.WithFields(logrus.Fields{"universe": u, "source": sourceID}).Info("Source terminated")
			return e.recompute(u, st), true
		}
	}
	return Result{}, false
}

// Expire evicts sources that went stale by now and returns the recomputed
// results of the universes that lost a source.
func (e *Engine) Expire(now time.Time) []Result {
	if e.cfg.DisableTimeout {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var results []Result
	for _, u := range e.sortedUniverses() {
		st := e.universes[u]
		live := e.liveSources(st, now)
		if len(live) == len(st.sources) {
			continue
		}
		e.dropStale(u, st, live)
		results = append(results, e.recompute(u, st))
	}
	return results
}

// Result returns the current merged output of a universe.
func (e *Engine) Result(u int) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.universes[u]
	if !ok || !st.merged {
		return Result{}, false
	}
	return Result{Universe: u, Frame: st.last, Sources: len(st.sources)}, true
}

// Sources lists the live sources of a universe with their winning state.
func (e *Engine) Sources(u int) []SourceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.universes[u]
	if !ok || len(st.sources) == 0 {
		return nil
	}

	var top uint8
	var latest *source
	for _, s := range st.sources {
		if s.priority > top {
			top = s.priority
		}
		if latest == nil || s.order > latest.order {
			latest = s
		}
	}
	infos := make([]SourceInfo, 0, len(st.sources))
	for _, s := range st.sources {
		winning := s.priority == top
		if st.policy == LTP {
			winning = s == latest
		}
		infos = append(infos, SourceInfo{ID: s.id, Priority: s.priority, LastUpdate: s.lastUpdate, Winning: winning})
	}
	return infos
}

// Universes returns every universe with state, ascending.
func (e *Engine) Universes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedUniverses()
}

func (e *Engine) sortedUniverses() []int {
	list := make([]int, 0, len(e.universes))
	for u := range e.universes {
		list = append(list, u)
	}
	sort.Ints(list)
	return list
}

// Counters returns a snapshot of the diagnostics counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

func (e *Engine) count(f func(*Counters)) {
	e.mu.Lock()
	f(&e.counters)
	e.mu.Unlock()
}
