// Package publish mirrors fan-out replay batches onto NATS subjects so
// non-browser consumers (dashboards, recorders) can follow a site's replay
// without holding an SSE connection.
package publish

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// subjectPrefix is the root of the replay subject tree: scada.<site>.ticks.
const subjectPrefix = "scada."

// Publisher is a best-effort NATS mirror. Publish failures are logged and
// dropped; the SSE session is the authoritative delivery path.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

// Connect dials the NATS server.
func Connect(url string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("scada-sse"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{nc: nc, log: log}, nil
}

// PublishTick publishes one batch payload to scada.<site>.ticks.
func (p *Publisher) PublishTick(site string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("tick marshal failed", zap.String("site", site), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subjectPrefix+site+".ticks", raw); err != nil {
		p.log.Warn("tick publish failed", zap.String("site", site), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
