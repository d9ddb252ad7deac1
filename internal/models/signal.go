package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PositionLong  = "long"
	PositionShort = "short"
	PositionFlat  = "flat"
)

// Signal is one normalized trading instruction received from an alert.
type Signal struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	ReceivedAt time.Time `gorm:"column:timestamp;type:timestamptz;not null;index"`

	Ticker             string  `gorm:"type:varchar(32);not null;index:idx_signals_ticker_bot"`
	Bot                string  `gorm:"type:varchar(64);not null;index:idx_signals_ticker_bot"`
	MarketPosition     string  `gorm:"type:varchar(16);not null"`
	PrevMarketPosition string  `gorm:"type:varchar(16)"`
	PositionPct        float64 `gorm:"not null;default:0"`

	OrderAction        string  `gorm:"type:varchar(16)"`
	OrderContracts     float64 `gorm:"default:0"`
	MarketPositionSize float64 `gorm:"default:0"`
	OrderPrice         float64 `gorm:"default:0"`
	OrderComment       string  `gorm:"type:text"`

	OrderMessage datatypes.JSON `gorm:"type:jsonb"`

	ProcessedAt   *time.Time `gorm:"column:processed;type:timestamptz"`
	SkippedReason *string    `gorm:"column:skipped;type:text"`
}

func (Signal) TableName() string {
	return "signals"
}

func (s Signal) IsDirectional() bool {
	return s.MarketPosition == PositionLong || s.MarketPosition == PositionShort
}
