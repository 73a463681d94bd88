package trace

import (
	"log"
	"sync"

	"github.com/ngommans/mcode-sub001/internal/ports"
)

// DefaultHistory is the trace ring capacity when none is configured.
const DefaultHistory = 100

// Tracker retains a bounded history of categorized trace records and
// extracts port mappings from them. One Tracker serves one session's
// transport; recording is O(1) and performs no I/O unless debug logging
// was enabled at construction.
type Tracker struct {
	mu      sync.Mutex
	records []Record
	head    int
	count   int

	debug  bool
	logger *log.Logger
}

// NewTracker creates a tracker with the given ring capacity. Capacities
// below 1 fall back to DefaultHistory. The logger is only used when debug
// is set.
func NewTracker(capacity int, debug bool, logger *log.Logger) *Tracker {
	if capacity < 1 {
		capacity = DefaultHistory
	}
	return &Tracker{
		records: make([]Record, capacity),
		debug:   debug,
		logger:  logger,
	}
}

// Subscription tees a tracker into one emitter's trace callback and can
// restore the callback that was installed before it.
type Subscription struct {
	emitter  Emitter
	previous Callback
	once     sync.Once
}

// Subscribe captures the emitter's current trace callback and installs a
// replacement that invokes the captured callback first, then records the
// event. Unsubscribe the returned handle to restore the captured callback.
// Subscriptions through the same tracker are serialized; ownership of the
// emitter's one current callback is never ambiguous.
func (t *Tracker) Subscribe(e Emitter) *Subscription {
	t.mu.Lock()
	prev := e.TraceCallback()
	sub := &Subscription{emitter: e, previous: prev}
	e.SetTraceCallback(func(ev Event) {
		if prev != nil {
			prev(ev)
		}
		t.Observe(ev)
	})
	t.mu.Unlock()
	return sub
}

// Unsubscribe restores the exact callback reference captured at Subscribe
// time. Safe to call more than once; only the first call restores.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.emitter.SetTraceCallback(s.previous)
	})
}

// Observe categorizes and retains one event. Inserting beyond capacity
// evicts the oldest record; a new record is never the one dropped.
func (t *Tracker) Observe(ev Event) {
	r := Categorize(ev)

	t.mu.Lock()
	if t.count < len(t.records) {
		t.records[(t.head+t.count)%len(t.records)] = r
		t.count++
	} else {
		t.records[t.head] = r
		t.head = (t.head + 1) % len(t.records)
	}
	t.mu.Unlock()

	if t.debug && t.logger != nil {
		t.logger.Printf("trace %s sev=%s id=%d %q", r.Category, r.Severity, r.EventID, r.Message)
	}
}

// History returns retained records in chronological order.
func (t *Tracker) History() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, t.count)
	for i := 0; i < t.count; i++ {
		out[i] = t.records[(t.head+i)%len(t.records)]
	}
	return out
}

// Len returns the number of retained records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// ExtractPortMappings scans retained history in chronological order and
// returns one mapping per port-category record, provenance trace_fallback,
// active. No deduplication: repeated forwards of the same port all appear,
// in order.
func (t *Tracker) ExtractPortMappings() []ports.PortMapping {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ports.PortMapping
	for i := 0; i < t.count; i++ {
		r := t.records[(t.head+i)%len(t.records)]
		if r.Category != CategoryPort || r.Mapping == nil {
			continue
		}
		m := *r.Mapping
		m.Source = ports.SourceTraceFallback
		m.IsActive = true
		out = append(out, m)
	}
	return out
}
