package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter はkafka.Writerのうち送信に使うメソッド。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はイベントをKafkaトピックにJSONで送信する。
// メッセージキーは投稿IDで、同一投稿のイベントは同じパーティションに入る。
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher はKafkaPublisherを生成する。
// 書き込みは非同期で、失敗はログに記録するのみ。
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("failed to publish events",
					slog.Int("count", len(messages)),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	return newKafkaPublisher(w)
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish はイベントを送信する。
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) {
	value, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal event", slog.String("type", e.Type), slog.String("error", err.Error()))
		return
	}

	msg := kafka.Message{
		Key:   []byte(e.PostID),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	// リクエストのキャンセルで送信を取りやめない
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		slog.Error("failed to publish event",
			slog.String("type", e.Type),
			slog.String("id", e.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Close は未送信のメッセージを送り切ってWriterを閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
