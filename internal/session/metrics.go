package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-dialogue/session"

type metrics struct {
	events       metric.Int64Counter
	transitions  metric.Int64Counter
	noInput      metric.Int64Counter
	appointments metric.Int64Counter
	active       metric.Int64UpDownCounter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.events, err = meter.Int64Counter("dialogue.events",
		metric.WithDescription("Events processed by dialogue sessions")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("dialogue.transitions",
		metric.WithDescription("State entries performed by dialogue sessions")); err != nil {
		return nil, err
	}
	if m.noInput, err = meter.Int64Counter("dialogue.noinput",
		metric.WithDescription("Listen turns that ended without input")); err != nil {
		return nil, err
	}
	if m.appointments, err = meter.Int64Counter("dialogue.appointments.created",
		metric.WithDescription("Appointments confirmed")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("dialogue.sessions.active",
		metric.WithDescription("Open dialogue sessions")); err != nil {
		return nil, err
	}
	return m, nil
}
