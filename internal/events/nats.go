package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher mirrors events onto NATS subjects so external consumers
// can follow the feed. Subjects are <prefix>.<event-type>.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// ConnectNATS dials the NATS server and returns a publisher over it.
func ConnectNATS(url, subjectPrefix string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("ctihub"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

// Publish sends ev as JSON. Failures are logged and dropped; the event
// stream is advisory.
func (p *NATSPublisher) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event marshal failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	subject := p.subjectPrefix + "." + ev.Type
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("nats publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
}
