// Package audit publishes a record of security-relevant gateway
// decisions (replay rejections, OSCORE context churn, load state
// transitions, factory resets) to Kafka, for installations that want
// an external trail independent of the device's own logs. Grounded on
// the client construction the teacher's state consumer uses, adapted
// from consumer to producer.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/knx-iot/gateway/internal/config"
	"github.com/knx-iot/gateway/internal/metrics"
)

// Record is one audited event. Stage names a processing stage
// ("oscore", "lsm", "gm"); Outcome is a short result label
// ("replay_rejected", "reset", "state_change").
type Record struct {
	Stage   string         `json:"stage"`
	Outcome string         `json:"outcome"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Publisher sends Records to a Kafka topic. A nil *Publisher (returned
// by New when auditing is disabled) no-ops every Publish call, so call
// sites never need a presence check.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// New constructs a Publisher from cfg, or returns (nil, nil) when
// auditing is disabled so callers can treat a disabled publisher
// identically to a live one.
func New(cfg config.AuditConfig, logger *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsCfg, err := cfg.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("audit: building TLS config: %w", err)
	}
	saslMech := cfg.BuildSASLMechanism()

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("audit: creating producer client: %w", err)
	}

	return &Publisher{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Publish sends rec asynchronously; delivery failures are logged, not
// returned, so a broker outage never backs up the caller's event loop.
func (p *Publisher) Publish(ctx context.Context, rec Record) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("audit: encoding record", zap.Error(err))
		return
	}
	metrics.AuditRecordsTotal.WithLabelValues(rec.Stage, rec.Outcome).Inc()

	record := &kgo.Record{Topic: p.topic, Value: payload}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("audit: publish failed", zap.Error(err), zap.String("stage", rec.Stage))
		}
	})
}

// Close flushes outstanding produces and closes the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Close()
}
