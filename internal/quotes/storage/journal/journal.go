// Package journal keeps admitted quotes on local disk so a restart comes back with
// its windows filled instead of empty.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/aggregate"
	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/pkg/logger"
	"fxpulse.com/pkg/wal"
)

type Config struct {
	Path string `mapstructure:"path"`
	// SyncInterval batches fsyncs; 0 syncs on every delivery.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// Sink appends each admitted quote as one wal record.
type Sink struct {
	cfg Config

	mu       sync.Mutex
	w        *wal.Writer
	lastSync time.Time
	now      func() time.Time
}

func (s *Sink) Name() string { return "journal" }

// Open restores book from the journal at cfg.Path, compacts the file down to what the
// book retained and returns a sink appending to it.
func Open(cfg Config, book *aggregate.Book) (*Sink, RestoreStats, error) {
	if cfg.Path == "" {
		return nil, RestoreStats{}, errors.New("journal: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, RestoreStats{}, err
	}
	st, err := Restore(cfg.Path, book)
	if err != nil {
		return nil, st, err
	}
	if err := Compact(cfg.Path, book); err != nil {
		return nil, st, err
	}
	w, err := wal.OpenWrite(cfg.Path, cfg.BufferSize)
	if err != nil {
		return nil, st, err
	}
	return &Sink{cfg: cfg, w: w, now: time.Now}, st, nil
}

func (s *Sink) Deliver(_ context.Context, u fanout.Update) error {
	if u.Snapshot || u.Quote.Instrument.IsZero() {
		return nil
	}
	payload, err := json.Marshal(u.Quote)
	if err != nil {
		return qerr.Rejected(s.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return qerr.Unavailable(s.Name(), os.ErrClosed)
	}
	if err := s.w.Append(payload); err != nil {
		return qerr.Unavailable(s.Name(), err)
	}
	now := s.now()
	if now.Sub(s.lastSync) >= s.cfg.SyncInterval {
		if err := s.w.Flush(); err != nil {
			return qerr.Unavailable(s.Name(), err)
		}
		s.lastSync = now
	}
	return nil
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

type RestoreStats struct {
	Records  int
	Applied  int
	Skipped  int
	Repaired bool
}

// Restore replays the journal into book. Quotes of instruments no longer registered
// are skipped; a torn last record is cut off.
func Restore(path string, book *aggregate.Book) (RestoreStats, error) {
	var rs RestoreStats
	st, err := wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(payload []byte) error {
		var q model.Quote
		if err := json.Unmarshal(payload, &q); err != nil {
			return fmt.Errorf("journal: decode record: %w", err)
		}
		if _, err := book.Apply(q); err != nil {
			rs.Skipped++
			return nil
		}
		rs.Applied++
		return nil
	})
	rs.Records = st.Records
	if err != nil {
		return rs, err
	}
	if st.TruncatedTail {
		rs.Repaired = true
		logger.Warn(context.Background(), "journal tail was torn, truncating",
			zap.String("path", path), zap.Int64("offset", st.LastGoodOffset))
		if err := wal.TruncateTo(path, st.LastGoodOffset); err != nil {
			return rs, err
		}
	}
	return rs, nil
}

// Compact rewrites path with only the quotes book still holds, oldest first.
func Compact(path string, book *aggregate.Book) error {
	tmp := path + ".compact"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	w, err := wal.OpenWrite(tmp, 0)
	if err != nil {
		return err
	}
	for _, st := range book.All() {
		for _, q := range st.Window {
			b, err := json.Marshal(q)
			if err != nil {
				_ = w.Close()
				return err
			}
			if err := w.Append(b); err != nil {
				_ = w.Close()
				return err
			}
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
