package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"joingate/module/admission"
)

// AuditSink receives decoded audit events.
type AuditSink func(ev admission.AuditEvent) error

type auditGroupHandler struct {
	sink AuditSink
	log  *zap.Logger
}

func (h *auditGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *auditGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *auditGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle never blocks the partition: undecodable or rejected events are logged
// and skipped.
func (h *auditGroupHandler) handle(msg *sarama.ConsumerMessage) {
	var ev admission.AuditEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		h.log.Warn("undecodable audit event", zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if err := h.sink(ev); err != nil {
		h.log.Warn("audit sink failed", zap.String("id", ev.ID), zap.Error(err))
	}
}

// TailAudit consumes the audit topic until ctx is done.
func TailAudit(ctx context.Context, c Config, sink AuditSink, log *zap.Logger) error {
	c = c.Defaults()
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, BuildConfig(c))
	if err != nil {
		return err
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()

	handler := &auditGroupHandler{sink: sink, log: log}
	for {
		if err := group.Consume(ctx, []string{c.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			log.Warn("consume error", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
