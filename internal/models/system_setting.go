package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const SwitchPrefix = "feature."

// SystemSetting is a runtime setting that operators can flip without a
// restart, such as the feature.trading kill switch.
type SystemSetting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Key string `gorm:"type:varchar(120);not null;uniqueIndex"`

	// JSON value; switches hold a bare boolean.
	Value datatypes.JSON `gorm:"type:jsonb;not null"`

	Description string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"type:timestamptz;autoUpdateTime;index"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

func (s SystemSetting) IsSwitch() bool {
	return strings.HasPrefix(s.Key, SwitchPrefix)
}
