package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/config"
	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/processor"
	"github.com/firetracker/geodata/internal/queue"
)

// UploadStore loads uploads and saves their processing outcome.
type UploadStore interface {
	GetUpload(ctx context.Context, id string) (*geodata.Upload, error)
	SaveUploadResult(ctx context.Context, u *geodata.Upload) error
}

// UploadProcessor imports one upload.
type UploadProcessor interface {
	Process(ctx context.Context, u *geodata.Upload) processor.Result
}

// Worker consumes import tasks from one RabbitMQ queue.
type Worker struct {
	conn          *amqp.Connection
	channel       *amqp.Channel
	publisher     queue.Channel
	uploads       UploadStore
	processor     UploadProcessor
	queueName     string
	prefetchCount int
	storagePath   string
	workerID      string
	retryDelay    time.Duration
	logger        *zap.Logger
}

// NewWorker connects to RabbitMQ and declares queueName.
func NewWorker(cfg *config.Config, uploads UploadStore, proc UploadProcessor, queueName string, logger *zap.Logger) (*Worker, error) {
	conn, ch, err := queue.Connect(cfg.RabbitMQURL)
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	if err := queue.Declare(ch, queueName); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	workerID := fmt.Sprintf("worker-%s-%s", queueName, hostname)

	return &Worker{
		conn:          conn,
		channel:       ch,
		publisher:     ch,
		uploads:       uploads,
		processor:     proc,
		queueName:     queueName,
		prefetchCount: cfg.PrefetchCount,
		storagePath:   cfg.StoragePath,
		workerID:      workerID,
		retryDelay:    time.Second,
		logger:        logger.With(zap.String("worker", workerID), zap.String("queue", queueName)),
	}, nil
}

// Start consumes deliveries until ctx is done or the channel closes.
func (w *Worker) Start(ctx context.Context) error {
	msgs, err := w.channel.Consume(
		w.queueName, // queue
		w.workerID,  // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("register consumer on %s: %w", w.queueName, err)
	}
	w.logger.Info("worker connected", zap.Int("prefetch", w.prefetchCount))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", w.queueName)
			}
			w.handle(ctx, d)
		}
	}
}

// handle acknowledges d according to the processing outcome. Transient
// failures are republished with an incremented retry count.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	err := w.processMessage(ctx, d)
	if err == nil {
		d.Ack(false)
		return
	}

	retryCount := queue.RetryCount(d.Headers)
	if queue.IsRetryable(err) && retryCount < queue.MaxRetries {
		newRetryCount := retryCount + 1
		w.logger.Warn("retrying task",
			zap.String("message_id", d.MessageId),
			zap.Int("retry", newRetryCount),
			zap.Error(err))

		select {
		case <-ctx.Done():
			d.Nack(false, true)
			return
		case <-time.After(time.Duration(newRetryCount) * w.retryDelay):
		}

		pubErr := w.publisher.PublishWithContext(ctx,
			"",          // exchange
			w.queueName, // routing key
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  d.ContentType,
				Body:         d.Body,
				Headers:      queue.WithRetryCount(d.Headers, newRetryCount),
				DeliveryMode: amqp.Persistent,
				Priority:     d.Priority,
				MessageId:    d.MessageId,
				Timestamp:    time.Now(),
			},
		)
		if pubErr != nil {
			w.logger.Error("republish failed, requeueing", zap.Error(pubErr))
			d.Nack(false, true)
			return
		}
		d.Ack(false)
		return
	}

	fileName := d.MessageId
	if task, decodeErr := queue.DecodeTask(d.Body); decodeErr == nil {
		fileName = task.FileName
	}
	w.logger.Error("task failed", zap.String("file", fileName), zap.Int("retries", retryCount), zap.Error(err))
	d.Nack(false, false)
}

// processMessage imports the upload named by the task in d and saves the
// outcome. The processing error, if any, is returned for retry handling.
func (w *Worker) processMessage(ctx context.Context, d amqp.Delivery) error {
	task, err := queue.DecodeTask(d.Body)
	if err != nil {
		return err
	}

	sizeMB := float64(task.FileSize) / 1024.0 / 1024.0
	w.logger.Info("task received", zap.String("upload_id", task.UploadID), zap.String("file", task.FileName), zap.Float64("size_mb", sizeMB))

	upload, err := w.uploads.GetUpload(ctx, task.UploadID)
	if err != nil {
		return fmt.Errorf("%s: %w", task.FileName, err)
	}
	upload.FilePath = w.resolvePath(upload.FilePath)
	for i, aux := range upload.AuxiliaryFiles {
		upload.AuxiliaryFiles[i] = w.resolvePath(aux)
	}

	res := w.processor.Process(ctx, upload)
	if err := w.uploads.SaveUploadResult(ctx, upload); err != nil {
		return fmt.Errorf("%s: save result: %w", task.FileName, err)
	}
	if res.Err != nil {
		return fmt.Errorf("%s: %w", task.FileName, res.Err)
	}

	w.logger.Info("task done",
		zap.String("upload_id", upload.ID),
		zap.Int("records", res.Records),
		zap.Int("skipped", res.Skipped),
		zap.Float64("seconds", res.Duration.Seconds()))
	return nil
}

// resolvePath maps a stored path onto this worker's storage mount when the
// path as recorded does not exist here.
func (w *Worker) resolvePath(path string) string {
	if _, err := os.Stat(path); err == nil || w.storagePath == "" {
		return path
	}
	if i := strings.Index(filepath.ToSlash(path), "/geodata_uploads/"); i >= 0 {
		return filepath.Join(w.storagePath, filepath.FromSlash(filepath.ToSlash(path)[i+1:]))
	}
	if !filepath.IsAbs(path) {
		return filepath.Join(w.storagePath, path)
	}
	return path
}

// Close closes the channel and connection.
func (w *Worker) Close() error {
	if w.channel != nil {
		if err := w.channel.Close(); err != nil {
			return err
		}
	}
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}
