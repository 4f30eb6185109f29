// Package subscription tracks who wants which events: durable records
// persisted to the store and ephemeral ones held only for the lifetime of a
// live connection, with conjunctive filter matching over both.
package subscription

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mnemos-labs/mnemos/pkg/event"
)

// ErrInvalidSubscription rejects a subscribe call whose channel/URL
// combination violates the invariants. Never queued, always synchronous.
var ErrInvalidSubscription = errors.New("subscription: invalid subscription")

// Channel selects how matched events reach the subscriber.
type Channel string

const (
	// ChannelStream delivers over an in-process bounded queue.
	ChannelStream Channel = "live-stream"
	// ChannelWebhook delivers over HTTP POST via the dispatcher.
	ChannelWebhook Channel = "webhook"
)

// Filter is a conjunction of optional conditions. An absent field always
// matches; every present field must hold.
type Filter struct {
	EventTypes    []event.Type `json:"event_types,omitempty"`
	MinImportance *int         `json:"min_importance,omitempty"`
	Sources       []string     `json:"source_protocols,omitempty"`
	Projects      []string     `json:"projects,omitempty"`
}

// Matches reports whether ev satisfies every present condition.
func (f Filter) Matches(ev *event.Event) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	if f.MinImportance != nil && ev.Importance < *f.MinImportance {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, ev.Source) {
		return false
	}
	if len(f.Projects) > 0 && !slices.Contains(f.Projects, ev.Project) {
		return false
	}
	return true
}

// Subscription is one subscriber's registration.
type Subscription struct {
	SubscriberID string    `json:"subscriber_id"`
	Channel      Channel   `json:"channel"`
	Filter       Filter    `json:"filter"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	Durable      bool      `json:"durable"`
	LastEventID  int64     `json:"last_event_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate enforces the channel/URL invariant: webhook_url is present and
// http(s) iff channel is webhook.
func (s *Subscription) Validate() error {
	if s.SubscriberID == "" {
		return fmt.Errorf("%w: subscriber id is required", ErrInvalidSubscription)
	}
	switch s.Channel {
	case ChannelStream:
		if s.WebhookURL != "" {
			return fmt.Errorf("%w: webhook_url not allowed for channel %q", ErrInvalidSubscription, s.Channel)
		}
	case ChannelWebhook:
		if !validWebhookURL(s.WebhookURL) {
			return fmt.Errorf("%w: webhook_url must be an http(s) URL, got %q", ErrInvalidSubscription, s.WebhookURL)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidSubscription, s.Channel)
	}
	return nil
}

func validWebhookURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
