package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lumix/dmrv-engine/internal/db"
)

// CreditEvent is the wire format of a credit mutation published after
// commit. Downstream consumers (registry exporters, dashboards) subscribe
// to these.
type CreditEvent struct {
	InverterID    string   `json:"inverter_id"`
	CreditDate    string   `json:"credit_date"`
	Action        string   `json:"action"`
	Status        string   `json:"status"`
	TonnesCO2     float64  `json:"tonnes_co2"`
	Correlation   *float64 `json:"correlation,omitempty"`
	FlaggedReason *string  `json:"flagged_reason,omitempty"`
	PublishedAt   string   `json:"published_at"`
}

// Publisher publishes credit events to RabbitMQ
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher creates a publisher bound to a topic exchange
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// PublishCreditUpdate publishes a post-commit credit event. Failures are
// logged, never propagated: the ledger mutation already committed and must
// not be failed retroactively by fan-out problems.
func (p *Publisher) PublishCreditUpdate(ctx context.Context, rec *db.CreditRecord, action string) {
	event := CreditEvent{
		InverterID:    rec.InverterID.String(),
		CreditDate:    rec.CreditDate.Format("2006-01-02"),
		Action:        action,
		Status:        string(rec.Status),
		TonnesCO2:     rec.TonnesCO2,
		Correlation:   rec.Correlation,
		FlaggedReason: rec.FlaggedReason,
		PublishedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal credit event", zap.Error(err))
		return
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("failed to publish credit event",
			zap.Error(err),
			zap.String("inverter_id", event.InverterID),
			zap.String("action", action),
		)
		return
	}

	p.logger.Debug("credit event published",
		zap.String("inverter_id", event.InverterID),
		zap.String("action", action),
		zap.String("status", event.Status),
	)
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	return p.channel.Close()
}
