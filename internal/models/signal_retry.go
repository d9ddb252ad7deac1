package models

import (
	"time"

	"gorm.io/datatypes"
)

// SignalRetry is a single-shot re-evaluation of a signal. RetriesRemaining
// is 1 while pending and 0 once fired or superseded.
type SignalRetry struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement"`
	SignalID         uint64         `gorm:"column:original_signal_id;not null;index"`
	RetryTime        time.Time      `gorm:"type:timestamptz;not null;index"`
	SignalData       datatypes.JSON `gorm:"type:jsonb;not null"`
	RetriesRemaining int            `gorm:"not null;default:1;check:retries_remaining >= 0"`
	CreatedAt        time.Time      `gorm:"type:timestamptz;autoCreateTime"`

	Signal *Signal `gorm:"foreignKey:SignalID;constraint:OnDelete:CASCADE"`
}

func (SignalRetry) TableName() string {
	return "signal_retries"
}

func (r SignalRetry) Pending() bool {
	return r.RetriesRemaining > 0
}
