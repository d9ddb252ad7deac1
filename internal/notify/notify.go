// Package notify is the observability sink for trade failures: every report
// goes to the structured log and, when configured, to the PaaS log API;
// pages go out as PaaS notify broadcasts.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/willer/trading-bot/internal/paas"
)

const (
	EventTradeFailed = "trade_failed"
	actionError      = "trading_error"
)

// Sink is the subset of *paas.Client the reporter needs.
type Sink interface {
	CreateLog(ctx context.Context, req paas.CreateLogRequest) error
	Broadcast(ctx context.Context, req paas.BroadcastRequest) error
}

type Reporter struct {
	Sink    Sink
	Logger  *zap.Logger
	Agent   string
	Timeout time.Duration
}

func (r *Reporter) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 2 * time.Second
}

func (r *Reporter) agent() string {
	if r.Agent == "" {
		return "trading-bot"
	}
	return r.Agent
}

// Report records err with a free-form context line and tags such as
// account, ticker and bot. It never fails.
func (r *Reporter) Report(ctx context.Context, err error, where string, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	if r.Logger != nil {
		fields := make([]zap.Field, 0, len(tags)+2)
		fields = append(fields, zap.Error(err), zap.String("context", where))
		for k, v := range tags {
			fields = append(fields, zap.String(k, v))
		}
		r.Logger.Error("trading error", fields...)
	}
	if r.Sink == nil {
		return
	}
	details := map[string]any{"error": err.Error(), "context": where}
	meta := map[string]any{}
	for k, v := range tags {
		meta[k] = v
	}
	ctx2, cancel := r.detached(ctx)
	defer cancel()
	if serr := r.Sink.CreateLog(ctx2, paas.CreateLogRequest{
		Agent:    r.agent(),
		Action:   actionError,
		Level:    "error",
		Details:  details,
		Metadata: meta,
	}); serr != nil && r.Logger != nil {
		r.Logger.Debug("paas error log failed", zap.Error(serr))
	}
}

// Page sends an out-of-band notification. It is reserved for trade failures
// a human has to look at.
func (r *Reporter) Page(ctx context.Context, msg string) {
	if r == nil || msg == "" {
		return
	}
	if r.Logger != nil {
		r.Logger.Warn("page", zap.String("message", msg))
	}
	if r.Sink == nil {
		return
	}
	ctx2, cancel := r.detached(ctx)
	defer cancel()
	if err := r.Sink.Broadcast(ctx2, paas.BroadcastRequest{Message: msg, Event: EventTradeFailed}); err != nil && r.Logger != nil {
		r.Logger.Warn("paas broadcast failed", zap.Error(err))
	}
}

// detached keeps ctx values but not its cancellation.
func (r *Reporter) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
}
