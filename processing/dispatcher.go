package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/redis/config"
	"github.com/gosom/meeting-transcriber/redis/tasks"
)

// Enqueuer is satisfied by redis.Client
type Enqueuer interface {
	EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqDispatcher queues an audio:process task per finalized file
type AsynqDispatcher struct {
	client   Enqueuer
	maxRetry int
	timeout  time.Duration
}

func NewAsynqDispatcher(client Enqueuer, maxRetry int, timeout time.Duration) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, maxRetry: maxRetry, timeout: timeout}
}

// TriggerProcessing is idempotent per audio file: the task id is derived from
// it and a duplicate enqueue counts as success.
func (d *AsynqDispatcher) TriggerProcessing(ctx context.Context, audioFileID string) error {
	payload, err := tasks.NewProcessAudioPayload(audioFileID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(config.QueueProcessing),
		asynq.MaxRetry(d.maxRetry),
		asynq.TaskID(tasks.TypeProcessAudio + ":" + audioFileID),
	}

	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}

	_, err = d.client.EnqueueTask(ctx, tasks.TypeProcessAudio, payload, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}

	return err
}

// InlineDispatcher processes in a background goroutine of the same process.
// Used when no Redis server is configured.
type InlineDispatcher struct {
	processor tasks.AudioProcessor
	timeout   time.Duration
	log       *zap.Logger
	wg        sync.WaitGroup
}

func NewInlineDispatcher(p tasks.AudioProcessor, timeout time.Duration, log *zap.Logger) *InlineDispatcher {
	if log == nil {
		log = zap.NewNop()
	}

	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	return &InlineDispatcher{processor: p, timeout: timeout, log: log}
}

func (d *InlineDispatcher) TriggerProcessing(ctx context.Context, audioFileID string) error {
	// processing outlives the finalize request
	bg := context.WithoutCancel(ctx)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(bg, d.timeout)
		defer cancel()

		if err := d.processor.Process(ctx, audioFileID); err != nil {
			d.log.Error("audio processing failed", zap.String("audio_file_id", audioFileID), zap.Error(err))
		}
	}()

	return nil
}

// Wait blocks until every started job returned
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
