package logger

import (
	"testing"

	"github.com/willer/trading-bot/internal/config"
)

func TestNewFallsBackOnBadLevel(t *testing.T) {
	l, err := New(config.LogConfig{Level: "loud", Encoding: "json"}, "broker", "live")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(-1) {
		t.Fatalf("debug enabled with fallback level")
	}
	if !l.Core().Enabled(0) {
		t.Fatalf("info disabled with fallback level")
	}
}

func TestNewDefaultsEncoding(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "debug"}, "webhook", ""); err != nil {
		t.Fatalf("new: %v", err)
	}
}
