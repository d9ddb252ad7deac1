package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willer/trading-bot/internal/paas"
)

type recordingSink struct {
	logs       []paas.CreateLogRequest
	broadcasts []paas.BroadcastRequest
	err        error
}

func (s *recordingSink) CreateLog(_ context.Context, req paas.CreateLogRequest) error {
	s.logs = append(s.logs, req)
	return s.err
}

func (s *recordingSink) Broadcast(_ context.Context, req paas.BroadcastRequest) error {
	s.broadcasts = append(s.broadcasts, req)
	return s.err
}

func TestReportForwardsTags(t *testing.T) {
	sink := &recordingSink{}
	r := &Reporter{Sink: sink, Agent: "bot-a"}
	r.Report(context.Background(), errors.New("no quote"), "sizing", map[string]string{"account": "a1", "ticker": "SPY"})

	require.Len(t, sink.logs, 1)
	got := sink.logs[0]
	assert.Equal(t, "bot-a", got.Agent)
	assert.Equal(t, "error", got.Level)
	assert.Equal(t, "no quote", got.Details["error"])
	assert.Equal(t, "a1", got.Metadata["account"])
}

func TestPageSurvivesCancelledContextAndSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("down")}
	r := &Reporter{Sink: sink}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.Page(ctx, "ORDER FAILED: Timeout reached for accounts: a1")
	require.Len(t, sink.broadcasts, 1)
	assert.Equal(t, EventTradeFailed, sink.broadcasts[0].Event)
	assert.Equal(t, "ORDER FAILED: Timeout reached for accounts: a1", sink.broadcasts[0].Message)
}

func TestNilReporterIsSafe(t *testing.T) {
	var r *Reporter
	r.Report(context.Background(), errors.New("x"), "", nil)
	r.Page(context.Background(), "x")

	(&Reporter{}).Report(context.Background(), nil, "", nil)
}
