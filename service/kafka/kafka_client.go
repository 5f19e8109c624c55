package kafka

import (
	"github.com/Shopify/sarama"

	"joingate/tools/errs"
)

// Dial connects to the cluster described by c.
func Dial(c Config) (sarama.Client, error) {
	if len(c.Brokers) == 0 {
		return nil, errs.ErrConfig.WrapMsg("kafka brokers missing")
	}
	c = c.Defaults()
	client, err := sarama.NewClient(c.Brokers, BuildConfig(c))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka connect", "brokers", c.Brokers)
	}
	return client, nil
}
