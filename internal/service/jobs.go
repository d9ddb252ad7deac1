package service

import "context"

// Gated wraps a cron job so it only runs while the switch is on.
func Gated(settings *SystemSettingsService, key string, job func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if !settings.IsEnabled(ctx, key, true) {
			return nil
		}
		return job(ctx)
	}
}
