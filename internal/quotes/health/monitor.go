package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Listener observes status transitions.
type Listener func(s Snapshot, from Status)

type Config struct {
	// MissFactor scales a tracker's expected interval into the gap that counts as a miss.
	MissFactor float64 `mapstructure:"miss_factor"`
	// Tick is the watchdog and throughput sampling period.
	Tick time.Duration `mapstructure:"tick"`
	// EMAAlpha weights the newest throughput sample.
	EMAAlpha float64 `mapstructure:"ema_alpha"`
}

// Monitor owns every tracker and is the read side for status consumers.
type Monitor struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	trackers  map[string]*Tracker
	listeners []Listener
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.MissFactor <= 1 {
		cfg.MissFactor = 1.5
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.3
	}
	return &Monitor{
		cfg:      cfg,
		now:      time.Now,
		trackers: make(map[string]*Tracker),
	}
}

// WithClock swaps the time source; tests only.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Provider registers (or returns) the tracker of an upstream source.
// expected > 0 enables watchdog misses after expected*MissFactor of silence.
func (m *Monitor) Provider(name string, expected time.Duration) *Tracker {
	return m.track(KindProvider, name, expected)
}

// Sink registers (or returns) the tracker of a downstream sink.
func (m *Monitor) Sink(name string) *Tracker {
	return m.track(KindSink, name, 0)
}

func (m *Monitor) track(kind Kind, name string, expected time.Duration) *Tracker {
	key := string(kind) + "/" + name
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[key]; ok {
		return t
	}
	t := newTracker(kind, name, expected, m.cfg.MissFactor, m.now)
	t.onChange = m.notify
	m.trackers[key] = t
	return t
}

// OnChange adds a listener. Listeners run on the goroutine that caused the change
// and must not block.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Monitor) notify(s Snapshot, from Status) {
	m.mu.RLock()
	ls := m.listeners
	m.mu.RUnlock()
	for _, l := range ls {
		l(s, from)
	}
}

// Get returns one tracker's snapshot.
func (m *Monitor) Get(kind Kind, name string) (Snapshot, bool) {
	m.mu.RLock()
	t, ok := m.trackers[string(kind)+"/"+name]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// Snapshot lists providers then sinks, each sorted by name.
func (m *Monitor) Snapshot() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.trackers))
	for _, t := range m.trackers {
		out = append(out, t.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == KindProvider
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Run drives the watchdog and throughput sampling until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	tk := time.NewTicker(m.cfg.Tick)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			m.Check(m.now())
		}
	}
}

// Check runs one watchdog/sampling pass.
func (m *Monitor) Check(now time.Time) {
	m.mu.RLock()
	ts := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		ts = append(ts, t)
	}
	m.mu.RUnlock()
	for _, t := range ts {
		t.checkGap(now)
		t.sample(now, m.cfg.EMAAlpha)
	}
}
