package webpush

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/npezzotti/go-chatrelay/internal/dedupe"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
	DefaultIcon      = "/assets/icons/icon-192.png"

	previewLength = 100
)

type dispatcher interface {
	Dispatch(ctx context.Context, userId int, payload types.NotificationPayload) (Result, error)
}

type pushJob struct {
	key     string
	userId  int
	payload types.NotificationPayload
}

type NotifierOptions struct {
	Workers   int
	QueueSize int
}

// Notifier queues message notifications for offline receivers and hands
// them to a fixed pool of workers. Repeats of the same message within the
// suppression window are dropped before they are queued.
type Notifier struct {
	dispatcher dispatcher
	suppressor dedupe.Suppressor
	jobs       chan pushJob
	workers    int
	log        *log.Logger
}

func NewNotifier(d dispatcher, suppressor dedupe.Suppressor, logger *log.Logger, opts NotifierOptions) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	return &Notifier{
		dispatcher: d,
		suppressor: suppressor,
		jobs:       make(chan pushJob, opts.QueueSize),
		workers:    opts.Workers,
		log:        logger,
	}
}

// NotifyMessage schedules a push for msg to its receiver. It never blocks;
// a full queue drops the notification.
func (n *Notifier) NotifyMessage(sender types.Identity, msg types.Message) {
	ctx := context.Background()
	key := dedupe.Key(sender.Id, msg.ReceiverId, msg.Content)
	if !n.suppressor.TryBegin(ctx, key) {
		n.log.Printf("suppressed duplicate push %d -> %d", sender.Id, msg.ReceiverId)
		return
	}

	job := pushJob{
		key:     key,
		userId:  msg.ReceiverId,
		payload: MessagePayload(sender, msg),
	}

	select {
	case n.jobs <- job:
	default:
		n.log.Printf("push queue full, dropping notification for user %d", msg.ReceiverId)
		n.suppressor.End(ctx, key)
	}
}

// Notify sends payload to userId synchronously, bypassing the queue and
// suppression.
func (n *Notifier) Notify(ctx context.Context, userId int, payload types.NotificationPayload) (Result, error) {
	return n.dispatcher.Dispatch(ctx, userId, payload)
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned.
func (n *Notifier) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < n.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.work(ctx)
		}()
	}
	wg.Wait()
}

func (n *Notifier) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-n.jobs:
			n.process(ctx, job)
		}
	}
}

func (n *Notifier) process(ctx context.Context, job pushJob) {
	defer n.suppressor.End(context.WithoutCancel(ctx), job.key)

	_, err := n.dispatcher.Dispatch(ctx, job.userId, job.payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoSubscriptions):
		n.log.Printf("user %d has no push subscriptions", job.userId)
	default:
		n.log.Printf("push to user %d failed: %v", job.userId, err)
	}
}

// MessagePayload builds the notification shown for a new chat message.
func MessagePayload(sender types.Identity, msg types.Message) types.NotificationPayload {
	preview := msg.Content
	if runes := []rune(preview); len(runes) > previewLength {
		preview = string(runes[:previewLength]) + "..."
	}

	return types.NotificationPayload{
		Title: "💬 " + sender.Name,
		Body:  preview,
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
		Data: map[string]any{
			"type":       "message",
			"senderId":   sender.Id,
			"senderName": sender.Name,
		},
	}
}

// TestPayload is the notification sent by the push test endpoint.
func TestPayload() types.NotificationPayload {
	return types.NotificationPayload{
		Title: "🔔 Test notification",
		Body:  "Notifications are working!",
		Icon:  DefaultIcon,
		Badge: DefaultIcon,
		Data:  map[string]any{"type": "test"},
	}
}
