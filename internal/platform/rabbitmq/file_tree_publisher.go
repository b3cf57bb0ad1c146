package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherai-codegen/internal/model"
)

// FileTreePublisher queues file-tree replacements for the persist worker.
type FileTreePublisher struct {
	conn      *amqp.Connection
	queueName string
}

func NewFileTreePublisher(conn *amqp.Connection, queueName string) *FileTreePublisher {
	return &FileTreePublisher{
		conn:      conn,
		queueName: queueName,
	}
}

func (p *FileTreePublisher) SaveFileTree(ctx context.Context, projectID string, tree model.FileTree) error {
	return p.Publish(ctx, model.FileTreeUpdate{
		ProjectID:   projectID,
		FileTree:    tree,
		Source:      "ai",
		RequestedAt: time.Now().UTC(),
	})
}

func (p *FileTreePublisher) Publish(ctx context.Context, update model.FileTreeUpdate) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	if err := declareQueue(ch, p.queueName); err != nil {
		return err
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal file tree update failed: %w", err)
	}

	if err := ch.PublishWithContext(
		ctx,
		"",
		p.queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
			Timestamp:    update.RequestedAt,
		},
	); err != nil {
		return fmt.Errorf("publish file tree update failed: %w", err)
	}
	return nil
}
