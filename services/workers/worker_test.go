package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/firetracker/geodata/internal/geodata"
	"github.com/firetracker/geodata/internal/processor"
	"github.com/firetracker/geodata/internal/queue"
	"github.com/firetracker/geodata/internal/storage"
)

type fakeAck struct {
	acked    int
	nacked   int
	requeued bool
}

func (a *fakeAck) Ack(uint64, bool) error { a.acked++; return nil }

func (a *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked++
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error { return nil }

type fakeUploads struct {
	uploads map[string]*geodata.Upload
	saved   []geodata.Upload
}

func (f *fakeUploads) GetUpload(_ context.Context, id string) (*geodata.Upload, error) {
	u, ok := f.uploads[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUploads) SaveUploadResult(_ context.Context, u *geodata.Upload) error {
	f.saved = append(f.saved, *u)
	return nil
}

type fakeProcessor struct {
	err  error
	seen []geodata.Upload
}

func (f *fakeProcessor) Process(_ context.Context, u *geodata.Upload) processor.Result {
	f.seen = append(f.seen, *u)
	if f.err != nil {
		u.Processed = false
		u.ProcessingErrors = "Error processing " + u.Title + ": " + f.err.Error()
		return processor.Result{Err: f.err}
	}
	u.Processed = true
	u.RecordsProcessed = 3
	return processor.Result{Records: 3}
}

type fakePublisher struct {
	msgs []amqp.Publishing
	err  error
}

func (f *fakePublisher) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func newTestWorker(procErr error) (*Worker, *fakeUploads, *fakePublisher) {
	uploads := &fakeUploads{uploads: map[string]*geodata.Upload{
		"u1": {ID: "u1", Title: "July fires", FilePath: "/nowhere/a.csv", FileName: "a.csv"},
	}}
	pub := &fakePublisher{}
	w := &Worker{
		publisher:  pub,
		uploads:    uploads,
		processor:  &fakeProcessor{err: procErr},
		queueName:  queue.NormalQueue,
		retryDelay: time.Millisecond,
		logger:     zap.NewNop(),
	}
	return w, uploads, pub
}

func delivery(t *testing.T, ack amqp.Acknowledger, uploadID string, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(queue.ImportTask{UploadID: uploadID, FileName: "a.csv"})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body, Headers: headers, MessageId: uploadID}
}

func TestHandleSuccessAcks(t *testing.T) {
	w, uploads, _ := newTestWorker(nil)
	ack := &fakeAck{}

	w.handle(context.Background(), delivery(t, ack, "u1", nil))
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.nacked)
	require.Len(t, uploads.saved, 1)
	assert.True(t, uploads.saved[0].Processed)
	assert.Equal(t, 3, uploads.saved[0].RecordsProcessed)
}

func TestHandleRetryableRepublishes(t *testing.T) {
	w, uploads, pub := newTestWorker(errors.New("Error 1213: Deadlock found when trying to get lock"))
	ack := &fakeAck{}

	w.handle(context.Background(), delivery(t, ack, "u1", amqp.Table{queue.RetryHeader: int32(2)}))
	assert.Equal(t, 1, ack.acked, "original acked after republish")
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, 3, queue.RetryCount(pub.msgs[0].Headers))
	assert.Equal(t, "u1", pub.msgs[0].MessageId)
	assert.Equal(t, uint8(amqp.Persistent), pub.msgs[0].DeliveryMode)
	require.Len(t, uploads.saved, 1)
	assert.Contains(t, uploads.saved[0].ProcessingErrors, "Error processing July fires")
}

func TestHandleRetriesExhausted(t *testing.T) {
	w, _, pub := newTestWorker(errors.New("Error 1205: Lock wait timeout exceeded"))
	ack := &fakeAck{}

	w.handle(context.Background(), delivery(t, ack, "u1", amqp.Table{queue.RetryHeader: int32(queue.MaxRetries)}))
	assert.Empty(t, pub.msgs)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeued)
}

func TestHandleRepublishFailureRequeues(t *testing.T) {
	w, _, pub := newTestWorker(errors.New("dial tcp: connection refused"))
	pub.err = errors.New("channel closed")
	ack := &fakeAck{}

	w.handle(context.Background(), delivery(t, ack, "u1", nil))
	assert.Zero(t, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestHandlePermanentFailures(t *testing.T) {
	w, _, pub := newTestWorker(errors.New("CSV missing required columns: latitude"))

	ack := &fakeAck{}
	w.handle(context.Background(), delivery(t, ack, "u1", nil))
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeued)

	ack = &fakeAck{}
	w.handle(context.Background(), delivery(t, ack, "missing", nil))
	assert.Equal(t, 1, ack.nacked, "unknown upload is dropped")
	assert.False(t, ack.requeued)

	ack = &fakeAck{}
	w.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})
	assert.Equal(t, 1, ack.nacked)
	assert.Empty(t, pub.msgs)
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.csv")
	require.NoError(t, os.WriteFile(existing, nil, 0o600))

	w := &Worker{storagePath: "/app/storage"}
	assert.Equal(t, existing, w.resolvePath(existing))
	assert.Equal(t, "/app/storage/geodata_uploads/2024/07/01/x.csv",
		w.resolvePath("/var/www/storage/geodata_uploads/2024/07/01/x.csv"))
	assert.Equal(t, "/app/storage/x.csv", w.resolvePath("x.csv"))
	assert.Equal(t, "/elsewhere/x.csv", w.resolvePath("/elsewhere/x.csv"))
}

func TestProcessMessageResolvesAuxiliaryFiles(t *testing.T) {
	mount := t.TempDir()
	day := filepath.Join(mount, "geodata_uploads", "2026", "10", "16")
	require.NoError(t, os.MkdirAll(day, 0o755))
	for _, name := range []string{"u1-a.shp", "u1-a.shx", "u1-a.dbf"} {
		require.NoError(t, os.WriteFile(filepath.Join(day, name), nil, 0o600))
	}

	apiDay := "/var/api/storage/geodata_uploads/2026/10/16/"
	uploads := &fakeUploads{uploads: map[string]*geodata.Upload{
		"u1": {
			ID:             "u1",
			Title:          "Boundaries",
			DataType:       geodata.ProvinceData,
			Format:         geodata.SHP,
			FilePath:       apiDay + "u1-a.shp",
			FileName:       "a.shp",
			AuxiliaryFiles: []string{apiDay + "u1-a.shx", apiDay + "u1-a.dbf"},
		},
	}}
	proc := &fakeProcessor{}
	w := &Worker{
		publisher:   &fakePublisher{},
		uploads:     uploads,
		processor:   proc,
		queueName:   queue.NormalQueue,
		storagePath: mount,
		retryDelay:  time.Millisecond,
		logger:      zap.NewNop(),
	}

	ack := &fakeAck{}
	w.handle(context.Background(), delivery(t, ack, "u1", nil))
	assert.Equal(t, 1, ack.acked)

	require.Len(t, proc.seen, 1)
	got := proc.seen[0]
	assert.Equal(t, filepath.Join(day, "u1-a.shp"), got.FilePath)
	assert.Equal(t, []string{filepath.Join(day, "u1-a.shx"), filepath.Join(day, "u1-a.dbf")}, got.AuxiliaryFiles)
	for _, p := range append([]string{got.FilePath}, got.AuxiliaryFiles...) {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}
