package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of one tracker.
type Snapshot struct {
	Kind                Kind      `json:"kind"`
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	Since               time.Time `json:"since"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	ThroughputEMA       float64   `json:"throughput_ema"`
	Total               uint64    `json:"total"`
	Malformed           uint64    `json:"malformed"`
	Failures            uint64    `json:"failures"`
	ActiveInstruments   []string  `json:"active_instruments,omitempty"`
}

// Uptime is how long the tracker has been online; zero otherwise.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.Status != Online || s.Since.IsZero() {
		return 0
	}
	return now.Sub(s.Since)
}

// Tracker records the health of one provider or sink.
//
// The component it belongs to is its only regular writer; the monitor's watchdog
// is the other one. Readers always go through Snapshot, which never blocks on writers.
type Tracker struct {
	kind     Kind
	name     string
	expected time.Duration // 0 disables watchdog misses
	factor   float64

	mu           sync.Mutex
	st           Snapshot
	lastActivity time.Time
	lastSample   time.Time
	sampleCount  uint64
	active       map[string]struct{}

	snap atomic.Pointer[Snapshot]

	now      func() time.Time
	onChange func(s Snapshot, from Status)
}

func newTracker(kind Kind, name string, expected time.Duration, factor float64, now func() time.Time) *Tracker {
	if factor <= 1 {
		factor = 1.5
	}
	t := &Tracker{
		kind:     kind,
		name:     name,
		expected: expected,
		factor:   factor,
		now:      now,
		active:   make(map[string]struct{}),
	}
	at := now()
	t.st = Snapshot{Kind: kind, Name: name, Status: Online, Since: at}
	t.lastActivity = at
	t.lastSample = at
	t.publish()
	return t
}

func (t *Tracker) Name() string { return t.name }
func (t *Tracker) Kind() Kind   { return t.kind }

// Snapshot returns the last published state.
func (t *Tracker) Snapshot() Snapshot { return *t.snap.Load() }

func (t *Tracker) Status() Status { return t.snap.Load().Status }

// Success records n delivered units (quotes, writes) and returns the tracker to online.
func (t *Tracker) Success(n int) {
	t.mu.Lock()
	now := t.now()
	t.lastActivity = now
	t.st.LastSuccess = now
	t.st.ConsecutiveFailures = 0
	if n > 0 {
		t.st.Total += uint64(n)
		t.sampleCount += uint64(n)
	}
	from := t.setStatusLocked(Online, now)
	t.finish(from)
}

// Beat records liveness without data (a heartbeat frame). It counts as a success for status.
func (t *Tracker) Beat() { t.Success(0) }

// Malformed counts a bad payload. The upstream is alive, so status does not move.
func (t *Tracker) Malformed(err error) {
	t.mu.Lock()
	now := t.now()
	t.lastActivity = now
	t.st.Malformed++
	t.st.ConsecutiveFailures++
	t.st.LastFailure = now
	if err != nil {
		t.st.LastError = err.Error()
	}
	t.finish(t.st.Status)
}

// Miss records a missed expected update and steps the status down one level.
func (t *Tracker) Miss(err error) { t.failure(err) }

// Unavailable records an explicit UpstreamUnavailable/SinkUnavailable and steps down one level.
func (t *Tracker) Unavailable(err error) { t.failure(err) }

// Rejected counts a permanent per-message failure; the dependency answered, so status stays.
func (t *Tracker) Rejected(err error) {
	t.mu.Lock()
	now := t.now()
	t.lastActivity = now
	t.st.Failures++
	t.st.LastFailure = now
	if err != nil {
		t.st.LastError = err.Error()
	}
	t.finish(t.st.Status)
}

func (t *Tracker) failure(err error) {
	t.mu.Lock()
	now := t.now()
	t.lastActivity = now
	t.st.ConsecutiveFailures++
	t.st.Failures++
	t.st.LastFailure = now
	if err != nil {
		t.st.LastError = err.Error()
	}
	from := t.setStatusLocked(t.st.Status.degrade(), now)
	t.finish(from)
}

// SetActive replaces the instruments this component currently serves.
func (t *Tracker) SetActive(instruments []string) {
	t.mu.Lock()
	t.active = make(map[string]struct{}, len(instruments))
	for _, s := range instruments {
		t.active[s] = struct{}{}
	}
	t.finish(t.st.Status)
}

// Touch marks one instrument active.
func (t *Tracker) Touch(instrument string) {
	t.mu.Lock()
	if _, ok := t.active[instrument]; ok {
		t.mu.Unlock()
		return
	}
	t.active[instrument] = struct{}{}
	t.finish(t.st.Status)
}

// checkGap converts silence longer than expected*factor into a miss.
// Each miss restarts the gap, so a second miss needs a second full gap.
func (t *Tracker) checkGap(now time.Time) bool {
	if t.expected <= 0 {
		return false
	}
	limit := time.Duration(float64(t.expected) * t.factor)
	t.mu.Lock()
	if now.Sub(t.lastActivity) <= limit {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	t.Miss(errGap{gap: now.Sub(t.lastActivity), limit: limit})
	return true
}

// sample folds the units seen since the last sample into the throughput EMA.
func (t *Tracker) sample(now time.Time, alpha float64) {
	t.mu.Lock()
	elapsed := now.Sub(t.lastSample).Seconds()
	if elapsed <= 0 {
		t.mu.Unlock()
		return
	}
	rate := float64(t.sampleCount) / elapsed
	if t.st.ThroughputEMA == 0 {
		t.st.ThroughputEMA = rate
	} else {
		t.st.ThroughputEMA = alpha*rate + (1-alpha)*t.st.ThroughputEMA
	}
	t.sampleCount = 0
	t.lastSample = now
	t.finish(t.st.Status)
}

func (t *Tracker) setStatusLocked(to Status, now time.Time) Status {
	from := t.st.Status
	if from != to {
		t.st.Status = to
		t.st.Since = now
	}
	return from
}

// finish publishes the snapshot, unlocks and fires the change hook outside the lock.
func (t *Tracker) finish(from Status) {
	s := t.publish()
	t.mu.Unlock()
	if s.Status != from && t.onChange != nil {
		t.onChange(s, from)
	}
}

func (t *Tracker) publish() Snapshot {
	s := t.st
	if len(t.active) > 0 {
		s.ActiveInstruments = make([]string, 0, len(t.active))
		for k := range t.active {
			s.ActiveInstruments = append(s.ActiveInstruments, k)
		}
		sort.Strings(s.ActiveInstruments)
	}
	t.snap.Store(&s)
	return s
}

type errGap struct {
	gap, limit time.Duration
}

func (e errGap) Error() string {
	return "no update for " + e.gap.Round(time.Millisecond).String() + " (limit " + e.limit.String() + ")"
}
