// Package notify publishes user-facing events (success, failure, item found,
// pre-start validation issues) as mail jobs on the message queue. Delivery is
// best effort: a race outcome is already persisted before any notification
// goes out, and a publish failure never changes it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// Notifier delivers user-facing race events.
type Notifier interface {
	NotifySuccess(job *domain.Job, result *domain.Result)
	NotifyFailure(job *domain.Job, result *domain.Result)
	NotifyItemFound(job *domain.Job, itemTitle, orderLink string)
	NotifyValidationIssue(job *domain.Job, reason string)
}

// Publisher is the queue the mail events go out on. Satisfied by the shared
// rabbitmq client.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

const publishTimeout = 10 * time.Second

// mailEvent is the message shape the mail worker consumes.
type mailEvent struct {
	Kind      string    `json:"kind"`
	JobID     int64     `json:"job_id"`
	BuyerID   int64     `json:"buyer_id"`
	DeviceID  int64     `json:"device_id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MailNotifier publishes mail events to the queue. All notifications run
// detached so the engine's settle path never waits on the broker.
type MailNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewMailNotifier creates a queue-backed notifier.
func NewMailNotifier(publisher Publisher, logger *slog.Logger) *MailNotifier {
	return &MailNotifier{publisher: publisher, logger: logger}
}

// NotifySuccess reports a created order.
func (n *MailNotifier) NotifySuccess(job *domain.Job, result *domain.Result) {
	if !job.Flags().EmailReminder {
		return
	}
	n.publish(mailEvent{
		Kind:     "grab_success",
		JobID:    job.ID,
		BuyerID:  job.BuyerID,
		DeviceID: job.DeviceID,
		Subject:  "抢购成功",
		Body:     fmt.Sprintf("订单已创建: %s", job.Link),
		Link:     job.Link,
	})
}

// NotifyFailure reports a race that settled without an order.
func (n *MailNotifier) NotifyFailure(job *domain.Job, result *domain.Result) {
	if !job.Flags().EmailReminder {
		return
	}
	n.publish(mailEvent{
		Kind:     "grab_failure",
		JobID:    job.ID,
		BuyerID:  job.BuyerID,
		DeviceID: job.DeviceID,
		Subject:  "抢购失败",
		Body:     fmt.Sprintf("未能下单: %s", job.Link),
		Link:     job.Link,
	})
}

// NotifyItemFound reports that a watched listing produced a matching item.
// Unlike the settle notifications it is sent regardless of the mail toggle;
// a watch job exists for exactly this event.
func (n *MailNotifier) NotifyItemFound(job *domain.Job, itemTitle, orderLink string) {
	n.publish(mailEvent{
		Kind:     "item_found",
		JobID:    job.ID,
		BuyerID:  job.BuyerID,
		DeviceID: job.DeviceID,
		Subject:  "发现新商品",
		Body:     fmt.Sprintf("匹配到商品 %q", itemTitle),
		Link:     orderLink,
	})
}

// NotifyValidationIssue warns that a pending timed job no longer confirms
// cleanly. The job itself is left untouched.
func (n *MailNotifier) NotifyValidationIssue(job *domain.Job, reason string) {
	n.publish(mailEvent{
		Kind:     "validation_issue",
		JobID:    job.ID,
		BuyerID:  job.BuyerID,
		DeviceID: job.DeviceID,
		Subject:  "抢购任务校验异常",
		Body:     reason,
		Link:     job.Link,
	})
}

func (n *MailNotifier) publish(event mailEvent) {
	event.CreatedAt = time.Now()

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to encode mail event",
			slog.String("kind", event.Kind),
			slog.Int64("job_id", event.JobID),
			slog.Any("error", err),
		)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := n.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
			n.logger.Error("Failed to publish mail event",
				slog.String("kind", event.Kind),
				slog.Int64("job_id", event.JobID),
				slog.Any("error", err),
			)
			return
		}

		n.logger.Debug("Mail event published",
			slog.String("kind", event.Kind),
			slog.Int64("job_id", event.JobID),
		)
	}()
}

// NopNotifier discards every event. Used when the queue is not configured.
type NopNotifier struct{}

func (NopNotifier) NotifySuccess(*domain.Job, *domain.Result)   {}
func (NopNotifier) NotifyFailure(*domain.Job, *domain.Result)   {}
func (NopNotifier) NotifyItemFound(*domain.Job, string, string) {}
func (NopNotifier) NotifyValidationIssue(*domain.Job, string)   {}
