package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/willer/trading-bot/internal/models"
	"github.com/willer/trading-bot/internal/repository"
)

var _ repository.Repository = (*Store)(nil)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- signals ----------------------------------------------------------------

func (s *Store) InsertSignal(ctx context.Context, item *models.Signal) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetSignalByID(ctx context.Context, id uint64) (*models.Signal, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Signal
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListSignals(ctx context.Context, params repository.ListSignalsParams) ([]models.Signal, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applySignalFilters(s.db.WithContext(ctx).Model(&models.Signal{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "timestamp")
	limit := normalizeLimit(params.Limit, 200)
	offset := normalizeOffset(params.Offset)
	var items []models.Signal
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountSignals(ctx context.Context, params repository.ListSignalsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := applySignalFilters(s.db.WithContext(ctx).Model(&models.Signal{}), params).Count(&total).Error
	return total, err
}

func applySignalFilters(query *gorm.DB, params repository.ListSignalsParams) *gorm.DB {
	if params.Ticker != nil && strings.TrimSpace(*params.Ticker) != "" {
		query = query.Where("ticker = ?", strings.ToUpper(strings.TrimSpace(*params.Ticker)))
	}
	if params.Bot != nil && strings.TrimSpace(*params.Bot) != "" {
		query = query.Where("bot = ?", strings.TrimSpace(*params.Bot))
	}
	if params.Since != nil && !params.Since.IsZero() {
		query = query.Where("timestamp >= ?", *params.Since)
	}
	return query
}

func (s *Store) MarkSignalProcessed(ctx context.Context, id uint64, at time.Time) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id = ? AND processed IS NULL", id).
		Update("processed", at.UTC())
	return res.RowsAffected > 0, res.Error
}

func (s *Store) MarkSignalSkipped(ctx context.Context, id uint64, reason string) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("id = ?", id).
		Update("skipped", reason).Error
}

func (s *Store) HasDirectionalSignal(ctx context.Context, ticker, bot string, from, to time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Signal{}).
		Where("ticker = ? AND bot = ?", ticker, bot).
		Where("market_position IN ?", []string{models.PositionLong, models.PositionShort}).
		Where("timestamp BETWEEN ? AND ?", from.UTC(), to.UTC()).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

// --- retries ----------------------------------------------------------------

func (s *Store) InsertRetry(ctx context.Context, item *models.SignalRetry) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Omit(clause.Associations).Create(item).Error
}

func (s *Store) ListRetriesBySignal(ctx context.Context, signalID uint64) ([]models.SignalRetry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.SignalRetry
	err := s.db.WithContext(ctx).
		Where("original_signal_id = ?", signalID).
		Order("retry_time ASC, id ASC").
		Find(&items).Error
	return items, err
}

type dueRow struct {
	ID               uint64
	SignalID         uint64 `gorm:"column:original_signal_id"`
	RetryTime        time.Time
	SignalData       []byte
	RetriesRemaining int
	CreatedAt        time.Time
	Ticker           string
	Bot              string
	MarketPosition   string
	ReceivedAt       time.Time
}

func (s *Store) ListDueRetries(ctx context.Context, from, to time.Time) ([]repository.DueRetry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var rows []dueRow
	err := s.db.WithContext(ctx).
		Table("signal_retries AS r").
		Select("r.id, r.original_signal_id, r.retry_time, r.signal_data, r.retries_remaining, r.created_at, " +
			"s.ticker, s.bot, s.market_position, s.timestamp AS received_at").
		Joins("JOIN signals s ON s.id = r.original_signal_id").
		Where("r.retries_remaining > 0").
		Where("r.retry_time >= ? AND r.retry_time <= ?", from.UTC(), to.UTC()).
		Order("r.retry_time ASC, r.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.DueRetry, 0, len(rows))
	for _, row := range rows {
		out = append(out, repository.DueRetry{
			Retry: models.SignalRetry{
				ID:               row.ID,
				SignalID:         row.SignalID,
				RetryTime:        row.RetryTime,
				SignalData:       datatypes.JSON(row.SignalData),
				RetriesRemaining: row.RetriesRemaining,
				CreatedAt:        row.CreatedAt,
			},
			Ticker:         row.Ticker,
			Bot:            row.Bot,
			MarketPosition: row.MarketPosition,
			ReceivedAt:     row.ReceivedAt,
		})
	}
	return out, nil
}

func (s *Store) ConsumeRetry(ctx context.Context, id uint64) (bool, error) {
	if s == nil || s.db == nil || id == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SignalRetry{}).
		Where("id = ? AND retries_remaining > 0", id).
		Update("retries_remaining", 0)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) SupersedeFlatRetries(ctx context.Context, ticker, bot string, since time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	flats := s.db.Model(&models.Signal{}).
		Select("id").
		Where("ticker = ? AND bot = ? AND market_position = ?", ticker, bot, models.PositionFlat).
		Where("timestamp >= ?", since.UTC())
	res := s.db.WithContext(ctx).
		Model(&models.SignalRetry{}).
		Where("retries_remaining > 0").
		Where("original_signal_id IN (?)", flats).
		Update("retries_remaining", 0)
	return res.RowsAffected, res.Error
}

func (s *Store) SupersedePendingRetries(ctx context.Context, ticker, bot string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	signals := s.db.Model(&models.Signal{}).
		Select("id").
		Where("ticker = ? AND bot = ?", ticker, bot)
	res := s.db.WithContext(ctx).
		Model(&models.SignalRetry{}).
		Where("retries_remaining > 0").
		Where("original_signal_id IN (?)", signals).
		Update("retries_remaining", 0)
	return res.RowsAffected, res.Error
}

// --- system settings --------------------------------------------------------

func (s *Store) GetSystemSettingByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var item models.SystemSetting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpsertSystemSetting(ctx context.Context, item *models.SystemSetting) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "description", "updated_at"}),
	}).Create(item).Error
}

func (s *Store) ListSystemSettings(ctx context.Context, prefix string) ([]models.SystemSetting, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SystemSetting{})
	if p := strings.TrimSpace(prefix); p != "" {
		query = query.Where("key LIKE ?", p+"%")
	}
	var items []models.SystemSetting
	err := query.Order("key ASC").Find(&items).Error
	return items, err
}

// --- helpers ----------------------------------------------------------------

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

var signalOrderColumns = map[string]string{
	"timestamp":    "timestamp",
	"received_at":  "timestamp",
	"id":           "id",
	"ticker":       "ticker",
	"position_pct": "position_pct",
}

func applyOrder(query *gorm.DB, orderBy string, asc *bool, def string) *gorm.DB {
	col, ok := signalOrderColumns[strings.ToLower(strings.TrimSpace(orderBy))]
	if !ok {
		col = def
	}
	dir := "DESC"
	if asc != nil && *asc {
		dir = "ASC"
	}
	return query.Order(col + " " + dir).Order("id " + dir)
}
