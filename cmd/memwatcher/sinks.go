package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/HerbHall/memwatcher/internal/config"
	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/sink"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// buildSinks creates the enabled sinks in export order: file, seq,
// console, mqtt, prometheus.
func buildSinks(
	settings config.Settings,
	schema models.Schema,
	fs afero.Fs,
	reg prometheus.Registerer,
	console io.Writer,
	logger *zap.Logger,
) ([]export.Sink, error) {
	sc := settings.Sinks
	var sinks []export.Sink

	if sc.File.Enabled {
		sinks = append(sinks, sink.NewFile(fs, sc.File.Path, schema, logger.Named("file"),
			sink.WithTimeFormat(sc.File.TimeFormat)))
	}

	if sc.Seq.Enabled {
		s, err := sink.NewSeq(sink.SeqConfig{
			URL:                sc.Seq.URL,
			APIKey:             sc.Seq.APIKey,
			Installation:       sc.Seq.Installation,
			Message:            sc.Seq.Message,
			Timeout:            sc.Seq.Timeout,
			MaxEventsPerSecond: sc.Seq.MaxEventsPerSecond,
		}, logger.Named("seq"))
		if err != nil {
			return nil, fmt.Errorf("seq sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if sc.Console.Enabled {
		sinks = append(sinks, sink.NewConsole(console))
	}

	if sc.MQTT.Enabled {
		m, err := sink.NewMQTT(sink.MQTTConfig{
			Broker:       sc.MQTT.Broker,
			ClientID:     sc.MQTT.ClientID,
			Topic:        sc.MQTT.Topic,
			QoS:          byte(sc.MQTT.QoS),
			Username:     sc.MQTT.Username,
			Password:     sc.MQTT.Password,
			Installation: settings.Installation,
			Timeout:      sc.MQTT.Timeout,
		}, logger.Named("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("mqtt sink: %w", err)
		}
		sinks = append(sinks, m)
	}

	if sc.Prometheus.Enabled {
		p, err := sink.NewPrometheus(reg)
		if err != nil {
			return nil, fmt.Errorf("prometheus sink: %w", err)
		}
		sinks = append(sinks, p)
	}

	if len(sinks) == 0 {
		logger.Warn("no sinks enabled; samples will be read and discarded")
	}
	return sinks, nil
}
