package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gopherai-codegen/internal/app"
	"gopherai-codegen/internal/model"
)

const persistTimeout = 10 * time.Second

// FileTreeStore writes a project's file tree.
type FileTreeStore interface {
	SaveFileTree(ctx context.Context, projectID string, tree model.FileTree) error
}

// FileTreePersistWorker consumes queued file-tree replacements and writes them to
// the project store.
type FileTreePersistWorker struct {
	conn      *amqp.Connection
	store     FileTreeStore
	queueName string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFileTreePersistWorker(conn *amqp.Connection, store FileTreeStore, queueName string, logger *slog.Logger) *FileTreePersistWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileTreePersistWorker{
		conn:      conn,
		store:     store,
		queueName: queueName,
		logger:    logger,
	}
}

func (w *FileTreePersistWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	if err := ch.Qos(8, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					w.logger.Warn("file tree deliveries closed", "queue", w.queueName)
					return
				}
				w.handle(workerCtx, d)
			}
		}
	}()

	w.logger.Info("file tree persist worker started", "queue", w.queueName)
	return nil
}

// handle persists one delivery. Undecodable payloads and updates for deleted
// projects are dropped; other failures are dropped after logging.
func (w *FileTreePersistWorker) handle(ctx context.Context, d amqp.Delivery) {
	var update model.FileTreeUpdate
	if err := json.Unmarshal(d.Body, &update); err != nil || update.ProjectID == "" {
		w.logger.Error("worker decode file tree update failed", "error", err)
		_ = d.Nack(false, false)
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := w.store.SaveFileTree(saveCtx, update.ProjectID, update.FileTree); err != nil {
		if errors.Is(err, app.ErrProjectNotFound) {
			w.logger.Warn("file tree update for missing project dropped", "project_id", update.ProjectID)
			_ = d.Ack(false)
			return
		}
		w.logger.Error("worker persist file tree failed", "project_id", update.ProjectID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	w.logger.Debug("file tree persisted", "project_id", update.ProjectID, "source", update.Source,
		"files", update.FileTree.FileCount(), "lag", time.Since(update.RequestedAt))
	_ = d.Ack(false)
}

func (w *FileTreePersistWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
