package service

import (
	"context"
	"log"

	"tokenmarket/internal/model"
	"tokenmarket/internal/repository"
)

// OutboxSink 把已提交的账本事件写入 outbox 表，由 OutboxSender 异步投递到 Kafka
type OutboxSink struct {
	outboxRepo *repository.OutboxRepository
	topic      string
}

func NewOutboxSink(outboxRepo *repository.OutboxRepository, topic string) *OutboxSink {
	return &OutboxSink{
		outboxRepo: outboxRepo,
		topic:      topic,
	}
}

// Publish 状态事务已经提交，这里失败只能记录日志，不能回滚账本
func (s *OutboxSink) Publish(ctx context.Context, events []model.LedgerEvent) {
	msgs := make([]*model.OutboxMessage, 0, len(events))
	for _, event := range events {
		msg, err := model.NewOutboxMessage(s.topic, event)
		if err != nil {
			log.Printf("[OutboxSink] 事件序列化失败: key=%s, type=%s, err=%v", event.Key, event.Type, err)
			continue
		}
		msgs = append(msgs, msg)
	}

	if err := s.outboxRepo.CreateBatch(ctx, nil, msgs); err != nil {
		for _, msg := range msgs {
			log.Printf("[OutboxSink] 事件入队失败: key=%s, type=%s, err=%v", msg.MessageKey, msg.EventType, err)
		}
	}
}
