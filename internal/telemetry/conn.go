// Package telemetry carries position reports in from NATS, feeds them to the
// correlation pipeline and publishes resolved matches.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnMetrics tracks the connection state.
type ConnMetrics interface {
	NATSSetConnected(connected bool)
}

// Connect opens a NATS connection that keeps reconnecting and reports its
// state to m, which may be nil.
func Connect(url, name string, m ConnMetrics, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	setConnected := func(v bool) {
		if m != nil {
			m.NATSSetConnected(v)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			setConnected(true)
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	setConnected(true)
	return nc, nil
}

// Close drains pending messages before closing nc.
func Close(nc *nats.Conn) {
	if nc == nil {
		return
	}
	_ = nc.Drain()
	nc.Close()
}
