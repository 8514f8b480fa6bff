// Package webhook accepts change notifications pushed by the mail provider
// and feeds the trusted ones to the sync coordinator.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.io/infrasutra/mailboxsync/internal/store"
)

const notificationSchema = `{
  "type": "object",
  "required": ["value"],
  "properties": {
    "value": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["subscriptionId", "clientState", "resource"],
        "properties": {
          "subscriptionId": {"type": "string", "minLength": 1},
          "clientState": {"type": ["string", "null"]},
          "changeType": {"type": "string"},
          "resource": {"type": "string", "minLength": 1},
          "tenantId": {"type": "string"},
          "resourceData": {
            "type": "object",
            "properties": {"id": {"type": "string"}}
          }
        }
      }
    }
  }
}`

type ResourceData struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type,omitempty"`
}

type Notification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ClientState    string       `json:"clientState,omitempty"`
	ChangeType     string       `json:"changeType"`
	Resource       string       `json:"resource"`
	TenantID       string       `json:"tenantId,omitempty"`
	ResourceData   ResourceData `json:"resourceData"`
	UserID         string       `json:"userId,omitempty"`
	ReceivedAt     time.Time    `json:"receivedAt"`
}

// MessageID is the changed message's id, taken from resourceData or, when
// absent, from the last segment of the resource path.
func (n Notification) MessageID() string {
	if n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	resource := strings.TrimRight(n.Resource, "/")
	if idx := strings.LastIndex(resource, "/"); idx >= 0 {
		return resource[idx+1:]
	}
	return resource
}

type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, id string) (store.Subscription, error)
}

// ApplyFunc merges the changed messages for one user and returns how many
// were applied.
type ApplyFunc func(ctx context.Context, userID string, messageIDs []string) (int, error)

// Notifier receives the number of changes applied from one drained batch.
type Notifier interface {
	Notify(count int)
}

type Options struct {
	Subscriptions  SubscriptionLookup
	Queue          *Queue
	Apply          ApplyFunc
	Notifier       Notifier
	Logger         *slog.Logger
	ProcessTimeout time.Duration
}

type Receiver struct {
	subs    SubscriptionLookup
	queue   *Queue
	apply   ApplyFunc
	notify  Notifier
	logger  *slog.Logger
	schema  *jsonschema.Schema
	timeout time.Duration
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewReceiver(opts Options) (*Receiver, error) {
	if opts.Subscriptions == nil {
		return nil, errors.New("subscription lookup is required")
	}
	if opts.Apply == nil {
		return nil, errors.New("apply func is required")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewQueue(0, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.ProcessTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Receiver{
		subs:    opts.Subscriptions,
		queue:   queue,
		apply:   opts.Apply,
		notify:  opts.Notifier,
		logger:  logger,
		schema:  schema,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("parse notification schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, fmt.Errorf("add notification schema: %w", err)
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	return schema, nil
}

func (r *Receiver) Queue() *Queue {
	return r.queue
}

// Receive validates a notification batch and queues every notification
// whose subscription is known and whose client state matches. Anything
// else is dropped. It returns the number queued.
func (r *Receiver) Receive(ctx context.Context, body []byte) (int, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("parse notification body: %w", err)
	}
	if err := r.schema.Validate(inst); err != nil {
		return 0, fmt.Errorf("invalid notification body: %w", err)
	}
	var batch struct {
		Value []Notification `json:"value"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return 0, fmt.Errorf("decode notification body: %w", err)
	}

	accepted := 0
	for _, n := range batch.Value {
		sub, err := r.subs.GetSubscription(ctx, n.SubscriptionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Warn("subscription lookup failed", "subscription", n.SubscriptionID, "error", err)
			} else {
				r.logger.Debug("notification for unknown subscription dropped", "subscription", n.SubscriptionID)
			}
			continue
		}
		if sub.ClientState == "" || n.ClientState != sub.ClientState {
			r.logger.Warn("notification client state mismatch", "subscription", n.SubscriptionID)
			continue
		}
		n.UserID = sub.UserID
		n.ReceivedAt = r.now()
		if err := r.queue.Enqueue(n); err != nil {
			r.logger.Warn("notification dropped", "subscription", n.SubscriptionID, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

// ProcessAsync drains the queue on a background goroutine detached from
// the inbound request.
func (r *Receiver) ProcessAsync() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.Process(ctx); err != nil {
			r.logger.Warn("notification batch processing failed", "error", err)
		}
	}()
}

// Process drains the queue and applies the changes grouped by user, in
// arrival order. The notifier hears the batch total once. It returns the
// total number of applied changes.
func (r *Receiver) Process(ctx context.Context) (int, error) {
	drained := r.queue.DrainAll()
	if len(drained) == 0 {
		return 0, nil
	}
	var users []string
	byUser := map[string][]string{}
	for _, n := range drained {
		id := n.MessageID()
		if id == "" {
			continue
		}
		if _, ok := byUser[n.UserID]; !ok {
			users = append(users, n.UserID)
		}
		byUser[n.UserID] = append(byUser[n.UserID], id)
	}

	total := 0
	var errs []error
	for _, userID := range users {
		applied, err := r.apply(ctx, userID, byUser[userID])
		total += applied
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
		}
	}
	if total > 0 && r.notify != nil {
		r.notify.Notify(total)
	}
	r.logger.Info("notification batch processed", "notifications", len(drained), "applied", total)
	return total, errors.Join(errs...)
}

// Wait blocks until background processing started so far has finished.
func (r *Receiver) Wait() {
	r.wg.Wait()
}
