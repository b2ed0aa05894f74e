package mq

import (
	"fmt"

	"bezsettle/internal/config"

	"github.com/IBM/sarama"
)

// Sender 消息发送接口，OutboxSender 依赖它而不是具体的 Kafka 实现
type Sender interface {
	SendMessage(topic, key, value string) error
	Close() error
}

// Producer Kafka 同步生产者
type Producer struct {
	producer sarama.SyncProducer
}

func NewSaramaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	kafkaConfig.Version = sarama.V2_8_0_0
	return kafkaConfig
}

// InitKafka 创建 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return NewProducer(producer), nil
}

func NewProducer(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// SendMessage 按 key 分区，同一账户/托管单的事件保持顺序
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// NopSender kafka.enabled=false 时使用，消息视为发送成功
type NopSender struct{}

func (NopSender) SendMessage(topic, key, value string) error { return nil }

func (NopSender) Close() error { return nil }
