package notify

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type publisher interface {
	Publish(subj string, data []byte) error
}

// NATSSink publishes messages as JSON on <prefix>.<channel>.
type NATSSink struct {
	conn   publisher
	prefix string
	logger *zap.Logger
}

// NewNATSSink connects to the server at url.
func NewNATSSink(url, prefix string, logger *zap.Logger) (*NATSSink, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("greencandle"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSSink{conn: nc, prefix: prefix, logger: logger.Named("nats")}, nc, nil
}

func (s *NATSSink) Emit(channel string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode message", zap.Error(err))
		return
	}
	subject := s.prefix + "." + channel
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("publish message", zap.String("subject", subject), zap.Error(err))
	}
}
