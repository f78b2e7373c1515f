// Package pgsink is the persistent tick store on PostgreSQL.
package pgsink

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/pkg/orm"
)

type Store struct {
	name string
	db   *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{name: "postgres", db: db} }

func (s *Store) Name() string { return s.name }

// Migrate creates or updates the tick table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&QuoteTick{})
}

func toRow(q model.Quote) QuoteTick {
	return QuoteTick{
		Instrument: q.Instrument.String(),
		Source:     q.Source,
		Seq:        int64(q.Seq),
		Bid:        model.DecimalFromFixed(q.Bid),
		Ask:        model.DecimalFromFixed(q.Ask),
		Volume:     model.DecimalFromFixed(q.Volume),
		TsUnixMs:   q.TsUnixMs,
		RecvUnixMs: q.RecvUnixMs,
	}
}

// Deliver appends the quote behind u. Snapshot updates carry no new tick and are skipped.
func (s *Store) Deliver(ctx context.Context, u fanout.Update) error {
	if u.Snapshot || u.Quote.Instrument.IsZero() {
		return nil
	}
	row := toRow(u.Quote)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// Recent returns inst's ticks, newest first.
func (s *Store) Recent(ctx context.Context, inst model.Instrument, page, limit int) ([]QuoteTick, error) {
	var rows []QuoteTick
	q := s.db.WithContext(ctx).
		Where("instrument = ?", inst.String()).
		Order("ts_unix_ms DESC, id DESC")
	err := orm.ApplyPagination(q, page, limit).Find(&rows).Error
	return rows, err
}

// classify maps SQLSTATE class 22 (data exception) and 23 (integrity violation)
// to rejections; the same row would fail again.
func (s *Store) classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return qerr.Rejected(s.name, err)
		}
	}
	return qerr.Unavailable(s.name, err)
}
