package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.BrowserEndpointHost)
	assert.Equal(t, 9222, cfg.BrowserEndpointPort)
	assert.Equal(t, 60, cfg.ScreencastQuality)
	assert.Equal(t, 3, cfg.ScreencastEveryNthFrame)
	assert.Equal(t, 1280, cfg.ViewportWidth)
	assert.Equal(t, 720, cfg.ViewportHeight)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{
		Port:                    8080,
		BrowserEndpointHost:     "127.0.0.1",
		BrowserEndpointPort:     9222,
		ScreencastQuality:       0,
		ScreencastEveryNthFrame: 3,
		ViewportWidth:           1280,
		ViewportHeight:          720,
		ActionTimeout:           1,
		LogFormat:               "text",
	}
	require.Error(t, validate(&cfg))

	cfg.ScreencastQuality = 60
	cfg.LogFormat = "xml"
	require.Error(t, validate(&cfg))

	cfg.LogFormat = "json"
	require.NoError(t, validate(&cfg))
}
