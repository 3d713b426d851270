package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/teris-io/shortid"
)

const (
	DefaultTTL     = 24 * time.Hour
	requestTimeout = 10 * time.Second

	metricPushDelivered = "PushDelivered"
	metricPushFailed    = "PushFailed"
	metricPushRemoved   = "PushRemoved"
)

var (
	ErrNoSubscriptions = errors.New("user has no push subscriptions")
	ErrNotDelivered    = errors.New("push not delivered to any subscription")
)

// DeliveryError describes a failed POST to a push service. Terminal is set
// when the service reports the subscription gone.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Terminal   bool
	Err        error
}

func (e *DeliveryError) Error() string {
	host := e.Endpoint
	if u, err := url.Parse(e.Endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	if e.Err != nil {
		return fmt.Sprintf("push to %s: %v", host, e.Err)
	}
	return fmt.Sprintf("push to %s: status %d", host, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Result summarizes one Dispatch call.
type Result struct {
	Attempted int
	Delivered int
	Removed   int
	Failed    int
}

type DispatcherOptions struct {
	TTL    time.Duration
	Client *http.Client
}

// Dispatcher delivers a notification to every subscription a user holds.
type Dispatcher struct {
	store     database.PushSubscriptionStore
	signer    *Signer
	encryptor *Encryptor
	client    *http.Client
	ttl       time.Duration
	urgency   webpushgo.Urgency
	stats     stats.StatsProvider
	log       *log.Logger
}

func NewDispatcher(store database.PushSubscriptionStore, signer *Signer, encryptor *Encryptor,
	su stats.StatsProvider, logger *log.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: requestTimeout}
	}

	su.RegisterMetric(metricPushDelivered)
	su.RegisterMetric(metricPushFailed)
	su.RegisterMetric(metricPushRemoved)

	return &Dispatcher{
		store:     store,
		signer:    signer,
		encryptor: encryptor,
		client:    opts.Client,
		ttl:       opts.TTL,
		urgency:   webpushgo.UrgencyNormal,
		stats:     su,
		log:       logger,
	}
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeRemoved
)

// Dispatch encrypts payload for each of the user's subscriptions and posts
// them concurrently. Subscriptions the push service reports as gone are
// deleted. It succeeds when at least one push was accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, userId int, payload types.NotificationPayload) (Result, error) {
	subs, err := d.store.FindSubscriptionsByUser(ctx, userId)
	if err != nil {
		return Result{}, fmt.Errorf("find subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return Result{}, ErrNoSubscriptions
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}

	traceId, err := shortid.Generate()
	if err != nil {
		traceId = "-"
	}

	outcomes := make([]outcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = d.deliverOne(ctx, traceId, sub, body)
		}()
	}
	wg.Wait()

	res := Result{Attempted: len(subs)}
	for _, o := range outcomes {
		switch o {
		case outcomeDelivered:
			res.Delivered++
		case outcomeRemoved:
			res.Removed++
		default:
			res.Failed++
		}
	}

	d.log.Printf("[%s] push to user %d: %d/%d delivered, %d removed", traceId, userId,
		res.Delivered, res.Attempted, res.Removed)

	if res.Delivered == 0 {
		return res, ErrNotDelivered
	}
	return res, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, traceId string, sub types.PushSubscription, body []byte) outcome {
	err := d.send(ctx, sub, body)
	if err == nil {
		d.stats.Incr(metricPushDelivered)
		return outcomeDelivered
	}

	var de *DeliveryError
	if errors.As(err, &de) && de.Terminal {
		d.log.Printf("[%s] subscription expired, removing: %v", traceId, err)
		if err := d.store.DeleteSubscription(ctx, sub.UserId, sub.Endpoint); err != nil &&
			!errors.Is(err, database.ErrNotFound) {
			d.log.Printf("[%s] failed to remove subscription %d: %v", traceId, sub.Id, err)
		}
		d.stats.Incr(metricPushRemoved)
		return outcomeRemoved
	}

	d.log.Printf("[%s] push failed: %v", traceId, err)
	d.stats.Incr(metricPushFailed)
	return outcomeFailed
}

func (d *Dispatcher) send(ctx context.Context, sub types.PushSubscription, body []byte) error {
	ciphertext, err := d.encryptor.Encrypt(sub, body)
	if err != nil {
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}

	authorization, err := d.signer.Sign(sub.Endpoint)
	if err != nil {
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(ciphertext))
	if err != nil {
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}

	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(int(d.ttl.Seconds())))
	req.Header.Set("Urgency", string(d.urgency))

	resp, err := d.client.Do(req)
	if err != nil {
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return &DeliveryError{
		Endpoint:   sub.Endpoint,
		StatusCode: resp.StatusCode,
		Terminal:   resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone,
	}
}
