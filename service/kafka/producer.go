package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"joingate/module/admission"
)

// Auditor publishes admission and moderation events, keyed by chat id.
// Publishing is best effort: a failure is logged and never reaches the caller.
type Auditor struct {
	prod  sarama.SyncProducer
	topic string
	log   *zap.Logger
}

func NewAuditor(prod sarama.SyncProducer, topic string, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{prod: prod, topic: topic, log: log}
}

// NewAuditorFromClient 从已有 client 创建同步生产者
func NewAuditorFromClient(client sarama.Client, topic string, log *zap.Logger) (*Auditor, error) {
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, err
	}
	return NewAuditor(p, topic, log), nil
}

func (a *Auditor) Record(_ context.Context, ev admission.AuditEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		a.log.Error("marshal audit event", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.ChatID, 10)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}
	partition, offset, err := a.prod.SendMessage(msg)
	if err != nil {
		a.log.Warn("audit publish failed",
			zap.String("kind", ev.Kind),
			zap.Int64("chat_id", ev.ChatID),
			zap.Int64("user_id", ev.UserID),
			zap.Error(err))
		return
	}
	a.log.Debug("audit published", zap.String("kind", ev.Kind), zap.Int32("partition", partition), zap.Int64("offset", offset))
}

func (a *Auditor) Close() error { return a.prod.Close() }

var _ admission.Auditor = (*Auditor)(nil)
