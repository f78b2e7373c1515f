package pgsink

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteTick is one admitted quote. Rows are append-only; (instrument, source, seq)
// is unique so a retried delivery inserts nothing.
type QuoteTick struct {
	ID         uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Instrument string          `gorm:"type:varchar(16);not null;uniqueIndex:uq_tick_stream,priority:1;index:idx_tick_inst_ts,priority:1" json:"instrument"`
	Source     string          `gorm:"type:varchar(32);not null;uniqueIndex:uq_tick_stream,priority:2" json:"source"`
	Seq        int64           `gorm:"not null;uniqueIndex:uq_tick_stream,priority:3" json:"seq"`
	Bid        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"bid"`
	Ask        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"ask"`
	Volume     decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"volume"`
	TsUnixMs   int64           `gorm:"not null;index:idx_tick_inst_ts,priority:2" json:"ts_ms"`
	RecvUnixMs int64           `gorm:"not null" json:"recv_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (QuoteTick) TableName() string { return "quote_ticks" }
