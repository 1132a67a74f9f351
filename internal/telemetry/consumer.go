package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"smartbus-tracker/internal/logging"
	"smartbus-tracker/internal/pipeline"
	"smartbus-tracker/internal/transit"
)

// Handler resolves a report; *pipeline.Pipeline satisfies it.
type Handler interface {
	Handle(r transit.PositionReport) (pipeline.Match, error)
}

// MatchSink receives resolved matches.
type MatchSink interface {
	Publish(m pipeline.Match) error
}

// ConsumerMetrics counts undecodable input.
type ConsumerMetrics interface {
	DecodeErrorInc()
}

// Consumer is the single loop that feeds reports to the pipeline in arrival
// order.
type Consumer struct {
	decoder Decoder
	handler Handler
	sink    MatchSink
	metrics ConsumerMetrics
	logger  *slog.Logger
}

type ConsumerOption func(*Consumer)

// WithSink publishes every match. Without one matches are only logged.
func WithSink(s MatchSink) ConsumerOption { return func(c *Consumer) { c.sink = s } }

func WithConsumerMetrics(m ConsumerMetrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

func WithConsumerLogger(l *slog.Logger) ConsumerOption { return func(c *Consumer) { c.logger = l } }

func NewConsumer(dec Decoder, h Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{decoder: dec, handler: h, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe delivers messages on subject into a buffered channel. With a
// queue group the subscription is shared with other instances.
func Subscribe(nc *nats.Conn, subject, queue string, buffer int) (<-chan *nats.Msg, *nats.Subscription, error) {
	ch := make(chan *nats.Msg, buffer)
	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.ChanQueueSubscribe(subject, queue, ch)
	} else {
		sub, err = nc.ChanSubscribe(subject, ch)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return ch, sub, nil
}

// Run processes messages until ctx is done or msgs is closed.
func (c *Consumer) Run(ctx context.Context, msgs <-chan *nats.Msg) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			c.Process(m.Data)
		}
	}
}

// Process decodes one message and handles each report in it. It returns
// the number of matches.
func (c *Consumer) Process(data []byte) int {
	reports, err := c.decoder.Decode(data)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DecodeErrorInc()
		}
		logging.LogWarn(c.logger, "undecodable position report", err, slog.Int("decoded", len(reports)))
	}

	matched := 0
	for _, r := range reports {
		m, err := c.handler.Handle(r)
		if err != nil {
			if !errors.Is(err, pipeline.ErrDuplicateReport) {
				c.logger.Debug("report not matched", slog.String("license", r.License), slog.String("reason", err.Error()))
			}
			continue
		}
		matched++
		c.logger.Info("report matched",
			slog.String("license", m.License),
			slog.String("ride", m.Ride.String()),
			slog.String("previous", m.Previous.Stop.Name),
			slog.String("next", m.Next.Stop.Name))
		if c.sink != nil {
			if err := c.sink.Publish(m); err != nil {
				logging.LogWarn(c.logger, "publish match failed", err, slog.String("license", m.License))
			}
		}
	}
	return matched
}
