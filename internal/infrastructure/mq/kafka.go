package mq

import (
	"fmt"
	"log"

	"tokenmarket/internal/config"

	"github.com/IBM/sarama"
)

// Producer 账本事件生产者，消息 key 为事件 key，同一事件重复投递时下游可以去重
type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// NewSaramaConfig 生产者配置：全副本确认，失败重试 3 次
func NewSaramaConfig() *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	return kafkaConfig
}

// InitKafka 连接 Kafka 并创建生产者
func InitKafka(cfg *config.KafkaConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	log.Println("Kafka 生产者创建成功")
	return NewProducer(producer), nil
}

// SendMessage 同步发送，返回时消息已被所有副本确认
func (p *Producer) SendMessage(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	log.Printf("[Kafka] 消息已确认: topic=%s, key=%s, partition=%d, offset=%d", topic, key, partition, offset)
	return nil
}

func (p *Producer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
