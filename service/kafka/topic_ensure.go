package kafka

import (
	"errors"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"joingate/tools/errs"
)

// EnsureTopic creates the topic when missing and grows its partition count
// when it has fewer than configured. Kafka cannot shrink partitions.
func EnsureTopic(admin sarama.ClusterAdmin, c Config, log *zap.Logger) error {
	c = c.Defaults()
	t := c.Topic
	descs, err := admin.DescribeTopics([]string{t})
	if err != nil {
		return errs.WrapMsg(err, "describe topic", "topic", t)
	}
	exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

	if !exists {
		minISR := "1"
		if c.ReplicationFactor >= 3 {
			minISR = "2"
		}
		td := &sarama.TopicDetail{
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(t, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				log.Info("topic exists (race)", zap.String("topic", t))
				return nil
			}
			return errs.WrapMsg(err, "create topic", "topic", t)
		}
		log.Info("topic created", zap.String("topic", t), zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.Partitions > cur {
		if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
			return errs.WrapMsg(err, "expand partitions", "topic", t, "from", cur, "to", c.Partitions)
		}
		log.Info("topic partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", c.Partitions))
	}
	return nil
}

func strPtr(s string) *string { return &s }
