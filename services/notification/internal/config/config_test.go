package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsValidate(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg := Load()
	require.Equal(t, "log", cfg.Channel)
	require.Equal(t, 3, cfg.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadCombinations(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg := Load()
	cfg.Channel = "webhook"
	require.ErrorContains(t, cfg.Validate(), "NOTIFY_WEBHOOK_URL")

	cfg.WebhookURL = "https://hooks.example.com/notify"
	require.NoError(t, cfg.Validate())

	cfg.Channel = "pager"
	require.Error(t, cfg.Validate())

	cfg = Load()
	cfg.MaxDeliveries = cfg.MaxAttempts
	require.ErrorContains(t, cfg.Validate(), "CONSUMER_MAX_DELIVERIES")
}
