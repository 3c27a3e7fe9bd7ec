package dispatch

import (
	"context"
	"time"

	"crowdalert/internal/notification"
	"crowdalert/internal/routing"
)

// Config controls the delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	CallTimeout   time.Duration
	HistorySize   int
}

// Delivery is one directive for one notification.
type Delivery struct {
	Channel      routing.Channel           `json:"-"`
	ChannelName  string                    `json:"channel"`
	Notification notification.Notification `json:"notification"`
	// Volume is set for sound channels.
	Volume float64 `json:"volume,omitempty"`
	// TTL is how long a toast stays up.
	TTL time.Duration `json:"ttl,omitempty"`
	At  time.Time     `json:"at"`
}

// Presenter renders deliveries for one or more channels.
type Presenter interface {
	Present(ctx context.Context, d Delivery) error
}

type PresenterFunc func(ctx context.Context, d Delivery) error

func (f PresenterFunc) Present(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Record is a History entry.
type Record struct {
	Delivery  Delivery  `json:"delivery"`
	Presenter string    `json:"presenter"`
	OK        bool      `json:"ok"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Done      time.Time `json:"done"`
}

// DeliveryEvent is published on the event bus for pipeline outcomes.
type DeliveryEvent struct {
	Channel        string    `json:"channel"`
	NotificationID string    `json:"notification_id"`
	Presenter      string    `json:"presenter,omitempty"`
	At             time.Time `json:"at"`
	Error          string    `json:"error,omitempty"`
}
