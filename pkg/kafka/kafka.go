package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
)

const (
	LendingTopic = "lending"
)

type Config struct {
	Addrs        []string `envconfig:"KAFKA_ADDRS" default:"localhost:9092"`
	Enable       bool     `envconfig:"KAFKA_ENABLE"`
	LendingTopic string   `envconfig:"KAFKA_LENDING_TOPIC" default:"lending"`
}

func newConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Net.DialTimeout = 5 * time.Second
	return cfg
}

func NewSyncProducer(cfg Config) (sarama.SyncProducer, error) {
	return sarama.NewSyncProducer(cfg.Addrs, newConfig())
}

// CreateTopics creates the lending topic unless it already exists.
func CreateTopics(cfg Config) error {
	admin, err := sarama.NewClusterAdmin(cfg.Addrs, newConfig())
	if err != nil {
		return errors.Wrap(err, "sarama.NewClusterAdmin")
	}
	defer admin.Close()

	topic := cfg.LendingTopic
	if topic == "" {
		topic = LendingTopic
	}
	err = admin.CreateTopic(topic, &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}, false)
	var topicErr *sarama.TopicError
	if err != nil && !(errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists) {
		return errors.Wrap(err, "create topic "+topic)
	}
	return nil
}
