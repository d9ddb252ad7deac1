package repository

import (
	"context"
	"time"

	"github.com/willer/trading-bot/internal/models"
)

type ListSignalsParams struct {
	Limit   int
	Offset  int
	Ticker  *string
	Bot     *string
	Since   *time.Time
	OrderBy string
	Asc     *bool
}

// DueRetry is a pending retry joined with the signal it was created for.
type DueRetry struct {
	Retry          models.SignalRetry
	Ticker         string
	Bot            string
	MarketPosition string
	ReceivedAt     time.Time
}

type SignalRepository interface {
	InsertSignal(ctx context.Context, item *models.Signal) error
	GetSignalByID(ctx context.Context, id uint64) (*models.Signal, error)
	ListSignals(ctx context.Context, params ListSignalsParams) ([]models.Signal, error)
	CountSignals(ctx context.Context, params ListSignalsParams) (int64, error)
	// MarkSignalProcessed sets the processed timestamp unless one is already
	// set. It reports whether the row changed.
	MarkSignalProcessed(ctx context.Context, id uint64, at time.Time) (bool, error)
	MarkSignalSkipped(ctx context.Context, id uint64, reason string) error
	// HasDirectionalSignal reports whether a long or short signal for
	// ticker+bot was received within [from, to].
	HasDirectionalSignal(ctx context.Context, ticker, bot string, from, to time.Time) (bool, error)
}

type RetryRepository interface {
	InsertRetry(ctx context.Context, item *models.SignalRetry) error
	ListRetriesBySignal(ctx context.Context, signalID uint64) ([]models.SignalRetry, error)
	// ListDueRetries returns pending retries with from <= retry_time <= to.
	ListDueRetries(ctx context.Context, from, to time.Time) ([]DueRetry, error)
	// ConsumeRetry moves a pending retry to 0. The update is conditional on
	// the entry still being pending, so exactly one caller wins.
	ConsumeRetry(ctx context.Context, id uint64) (bool, error)
	// SupersedeFlatRetries consumes pending retries for ticker+bot whose
	// signal was flat and received at or after since.
	SupersedeFlatRetries(ctx context.Context, ticker, bot string, since time.Time) (int64, error)
	// SupersedePendingRetries consumes every pending retry for ticker+bot.
	SupersedePendingRetries(ctx context.Context, ticker, bot string) (int64, error)
}

type SettingsRepository interface {
	GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error)
	UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error
	ListSystemSettings(ctx context.Context, prefix string) ([]models.SystemSetting, error)
}

type Repository interface {
	SignalRepository
	RetryRepository
	SettingsRepository

	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
