// Package connectors ingests live transport traffic into the inbox files the
// runtime drains. Each connector supports bounded single-poll invocations so
// one poll plus one cycle is fully deterministic under --poll-once.
package connectors

import (
	"context"
	"log/slog"
)

// Connector pulls pending provider updates and appends inbox envelopes.
type Connector interface {
	Name() string
	// PollOnce performs one bounded poll and returns how many envelopes it
	// appended.
	PollOnce(ctx context.Context) (int, error)
}

// Manager runs a set of connectors as one unit.
type Manager struct {
	connectors []Connector
	log        *slog.Logger
}

// NewManager wires the enabled connectors.
func NewManager(log *slog.Logger, connectors ...Connector) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{connectors: connectors, log: log}
}

// PollAll polls every connector once. A failing connector is logged and does
// not block the others; the first error is returned after all have run.
func (m *Manager) PollAll(ctx context.Context) (int, error) {
	total := 0
	var firstErr error
	for _, c := range m.connectors {
		n, err := c.PollOnce(ctx)
		total += n
		if err != nil {
			m.log.Warn("connector poll failed", "connector", c.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			m.log.Info("connector poll complete", "connector", c.Name(), "appended", n)
		}
	}
	return total, firstErr
}
