package telemetry

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"smartbus-tracker/internal/pipeline"
)

// PublisherMetrics records publish outcomes.
type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
}

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// MatchPublisher sends resolved matches to <prefix>.<license>. The match id
// is set as the message id so a JetStream stream can drop redeliveries.
type MatchPublisher struct {
	conn        MsgPublisher
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
}

func NewMatchPublisher(conn MsgPublisher, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) *MatchPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchPublisher{conn: conn, prefix: prefix, logSubjects: logSubjects, metrics: m, logger: logger}
}

// Subject is the subject a vehicle's matches are published on.
func (p *MatchPublisher) Subject(license string) string {
	return p.prefix + "." + subjectToken(license)
}

func (p *MatchPublisher) Publish(m pipeline.Match) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject(m.License))
	msg.Header.Set(nats.MsgIdHdr, m.ID)
	msg.Data = b
	if p.logSubjects {
		p.logger.Debug("nats publish", slog.String("subject", msg.Subject))
	}

	start := time.Now()
	err = p.conn.PublishMsg(msg)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// subjectToken makes s usable as one NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
