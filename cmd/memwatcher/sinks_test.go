package main

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/config"
	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/pkg/models"
)

func defaultSettings(t *testing.T) config.Settings {
	t.Helper()
	cfg, err := config.LoadFs(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	s, err := cfg.Settings()
	require.NoError(t, err)
	return s
}

func sinkNames(sinks []export.Sink) []string {
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	return names
}

func TestBuildSinks_Defaults(t *testing.T) {
	s := defaultSettings(t)
	sinks, err := buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(),
		prometheus.NewRegistry(), &bytes.Buffer{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"file", "console"}, sinkNames(sinks))
}

func TestBuildSinks_AllEnabled(t *testing.T) {
	s := defaultSettings(t)
	s.Sinks.Seq.Enabled = true
	s.Sinks.Seq.URL = "http://seq.local:5341"
	s.Sinks.MQTT.Enabled = true
	s.Sinks.MQTT.Broker = "tcp://127.0.0.1:1883"
	s.Sinks.Prometheus.Enabled = true

	sinks, err := buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(),
		prometheus.NewRegistry(), &bytes.Buffer{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"file", "seq", "console", "mqtt", "prometheus"}, sinkNames(sinks))
	assert.Equal(t, s.Sinks.Enabled(), sinkNames(sinks))
}

func TestBuildSinks_InvalidSeq(t *testing.T) {
	s := defaultSettings(t)
	s.Sinks.Seq.Enabled = true
	s.Sinks.Seq.URL = "ftp://seq.local"

	_, err := buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(),
		prometheus.NewRegistry(), &bytes.Buffer{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seq sink")
}

func TestBuildSinks_PrometheusRegisteredTwice(t *testing.T) {
	s := defaultSettings(t)
	s.Sinks.Prometheus.Enabled = true
	reg := prometheus.NewRegistry()

	_, err := buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(), reg, &bytes.Buffer{}, zap.NewNop())
	require.NoError(t, err)
	_, err = buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(), reg, &bytes.Buffer{}, zap.NewNop())
	require.Error(t, err)
}

func TestBuildSinks_NoneEnabled(t *testing.T) {
	s := defaultSettings(t)
	s.Sinks.File.Enabled = false
	s.Sinks.Console.Enabled = false

	sinks, err := buildSinks(s, models.SystemMonitorSchema, afero.NewMemMapFs(),
		prometheus.NewRegistry(), &bytes.Buffer{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, sinks)
}
