// Package queue carries import tasks between the API and the workers over
// RabbitMQ.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/firetracker/geodata/internal/geodata"
)

// Queue names, ordered by priority.
const (
	HighQueue   = "geodata_import_high"
	NormalQueue = "geodata_import_normal"
	LargeQueue  = "geodata_import_large"
)

// LargeFileThreshold is the size above which new uploads go to LargeQueue.
const LargeFileThreshold = 50 << 20

// ImportTask asks a worker to process one stored upload.
type ImportTask struct {
	UploadID  string `json:"upload_id"`
	FilePath  string `json:"file_path"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	Priority  string `json:"priority"`
	CreatedAt string `json:"created_at"`
}

// NewTask builds the task for u routed to queue.
func NewTask(u *geodata.Upload, size int64, queue string) ImportTask {
	return ImportTask{
		UploadID:  u.ID,
		FilePath:  u.FilePath,
		FileName:  u.FileName,
		FileSize:  size,
		Priority:  priorityName(queue),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// DecodeTask parses a message body.
func DecodeTask(body []byte) (ImportTask, error) {
	var task ImportTask
	if err := json.Unmarshal(body, &task); err != nil {
		return task, fmt.Errorf("decode task: %w", err)
	}
	if task.UploadID == "" {
		return task, fmt.Errorf("decode task: missing upload_id")
	}
	return task, nil
}

// QueueFor picks the queue for a newly uploaded file of the given size.
func QueueFor(size int64) string {
	if size > LargeFileThreshold {
		return LargeQueue
	}
	return NormalQueue
}

// MaxPriority is the x-max-priority argument each queue is declared with.
func MaxPriority(queue string) int {
	switch queue {
	case HighQueue:
		return 10
	case NormalQueue:
		return 5
	case LargeQueue:
		return 1
	}
	return 0
}

func priorityName(queue string) string {
	switch queue {
	case HighQueue:
		return "high"
	case LargeQueue:
		return "large"
	}
	return "normal"
}
