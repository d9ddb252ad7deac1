package gormrepository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/willer/trading-bot/internal/repository"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return New(db), mock
}

// sqlLike matches statements containing each fragment in order.
func sqlLike(fragments ...string) string {
	quoted := make([]string, len(fragments))
	for i, f := range fragments {
		quoted[i] = regexp.QuoteMeta(f)
	}
	return strings.Join(quoted, ".*")
}

var mockNow = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func TestConsumeRetryReportsWinner(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	stmt := sqlLike(`UPDATE "signal_retries" SET "retries_remaining"=`, `WHERE id = `, `AND retries_remaining > 0`)

	mock.ExpectExec(stmt).WithArgs(0, 7).WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.ConsumeRetry(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)

	// A concurrent supersede already zeroed the row.
	mock.ExpectExec(stmt).WithArgs(0, 7).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.ConsumeRetry(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(stmt).WillReturnError(errors.New("conn reset"))
	ok, err = s.ConsumeRetry(ctx, 8)
	assert.Error(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeQueriesScopeByTickerAndBot(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	since := mockNow.Add(-15 * time.Second)

	mock.ExpectExec(sqlLike(
		`UPDATE "signal_retries" SET "retries_remaining"=`,
		`retries_remaining > 0`,
		`original_signal_id IN (SELECT`, `FROM "signals"`,
		`ticker = `, `bot = `, `market_position = `,
		`timestamp >= `,
	)).WithArgs(0, "SOXL", "live", "flat", since).WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := s.SupersedeFlatRetries(ctx, "SOXL", "live", since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectExec(sqlLike(
		`UPDATE "signal_retries" SET "retries_remaining"=`,
		`retries_remaining > 0`,
		`original_signal_id IN (SELECT`, `FROM "signals"`,
		`ticker = `, `bot = `,
	)).WithArgs(0, "SOXL", "live").WillReturnResult(sqlmock.NewResult(0, 3))
	n, err = s.SupersedePendingRetries(ctx, "SOXL", "live")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDueRetriesJoinsSignals(t *testing.T) {
	s, mock := newMockStore(t)
	from, to := mockNow.Add(-3*time.Minute), mockNow

	rows := sqlmock.NewRows([]string{
		"id", "original_signal_id", "retry_time", "signal_data", "retries_remaining", "created_at",
		"ticker", "bot", "market_position", "received_at",
	}).
		AddRow(11, 5, mockNow.Add(-time.Second), []byte(`{"ticker":"SPY"}`), 1, mockNow.Add(-time.Minute), "SPY", "live", "flat", mockNow.Add(-16*time.Second)).
		AddRow(12, 6, mockNow, []byte(`{"ticker":"QQQ"}`), 1, mockNow.Add(-time.Minute), "QQQ", "live", "long", mockNow.Add(-time.Minute))
	mock.ExpectQuery(sqlLike(
		`SELECT r.id, r.original_signal_id`, `s.timestamp AS received_at`,
		`signal_retries`, `JOIN signals s ON s.id = r.original_signal_id`,
		`r.retries_remaining > 0`,
		`r.retry_time >= `, `r.retry_time <= `,
		`ORDER BY r.retry_time ASC, r.id ASC`,
	)).WithArgs(from, to).WillReturnRows(rows)

	due, err := s.ListDueRetries(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, due, 2)
	want := repository.DueRetry{Ticker: "SPY", Bot: "live", MarketPosition: "flat", ReceivedAt: mockNow.Add(-16 * time.Second)}
	assert.Equal(t, uint64(11), due[0].Retry.ID)
	assert.Equal(t, uint64(5), due[0].Retry.SignalID)
	assert.Equal(t, 1, due[0].Retry.RetriesRemaining)
	assert.JSONEq(t, `{"ticker":"SPY"}`, string(due[0].Retry.SignalData))
	assert.Equal(t, want.Ticker, due[0].Ticker)
	assert.Equal(t, want.MarketPosition, due[0].MarketPosition)
	assert.True(t, want.ReceivedAt.Equal(due[0].ReceivedAt))
	assert.Equal(t, "long", due[1].MarketPosition)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasDirectionalSignalCountsLongAndShort(t *testing.T) {
	s, mock := newMockStore(t)
	from, to := mockNow.Add(-10*time.Second), mockNow.Add(10*time.Second)
	stmt := sqlLike(`SELECT count(*) FROM "signals"`, `ticker = `, `bot = `, `market_position IN (`, `timestamp BETWEEN `)

	mock.ExpectQuery(stmt).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ok, err := s.HasDirectionalSignal(context.Background(), "SOXL", "live", from, to)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery(stmt).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	ok, err = s.HasDirectionalSignal(context.Background(), "SOXL", "live", from, to)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSignalProcessedOnlyOnce(t *testing.T) {
	s, mock := newMockStore(t)
	stmt := sqlLike(`UPDATE "signals" SET "processed"=`, `WHERE id = `, `AND processed IS NULL`)

	mock.ExpectExec(stmt).WithArgs(mockNow, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WithArgs(mockNow, 3).WillReturnResult(sqlmock.NewResult(0, 0))
	first, err := s.MarkSignalProcessed(context.Background(), 3, mockNow)
	require.NoError(t, err)
	second, err := s.MarkSignalProcessed(context.Background(), 3, mockNow)
	require.NoError(t, err)
	if !first || second {
		t.Fatalf("first=%v second=%v want=true,false", first, second)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(sqlLike(`UPDATE "signal_retries"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	err := s.WithTx(context.Background(), func(tx repository.Repository) error {
		if _, err := tx.ConsumeRetry(context.Background(), 1); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	mock.ExpectBegin()
	mock.ExpectExec(sqlLike(`UPDATE "signal_retries"`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = s.WithTx(context.Background(), func(tx repository.Repository) error {
		_, err := tx.ConsumeRetry(context.Background(), 1)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
