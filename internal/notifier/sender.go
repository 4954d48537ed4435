package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	mqcontracts "taskremind/contracts/mq"
	"taskremind/pkg/metrics"
)

// ErrEndpointGone marks a permanent delivery failure: the push service no
// longer knows the endpoint. The subscription row should be deleted; retrying
// would fail the same way forever.
var ErrEndpointGone = errors.New("push endpoint gone")

// PushSender delivers one message to one subscription. A nil error means the
// push service accepted the message.
type PushSender interface {
	Send(ctx context.Context, sub mqcontracts.PushSubscription, payload []byte) error
}

// WebPushSender sends VAPID-signed Web Push messages.
type WebPushSender struct {
	subscriber      string // contact mailto for the push service
	vapidPublicKey  string
	vapidPrivateKey string
	ttl             int
	logger          *zap.Logger
}

func NewWebPushSender(subscriber, vapidPublicKey, vapidPrivateKey string, ttl int, logger *zap.Logger) *WebPushSender {
	if ttl <= 0 {
		ttl = 60
	}
	return &WebPushSender{
		subscriber:      subscriber,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		ttl:             ttl,
		logger:          logger,
	}
}

func (s *WebPushSender) Send(ctx context.Context, sub mqcontracts.PushSubscription, payload []byte) error {
	start := time.Now()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.vapidPublicKey,
		VAPIDPrivateKey: s.vapidPrivateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		metrics.RecordPushDelivery("transient_error", time.Since(start))
		return fmt.Errorf("failed to call push service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		metrics.RecordPushDelivery("expired", time.Since(start))
		return ErrEndpointGone
	case resp.StatusCode >= 400:
		// 429 and 5xx are transient; other 4xx are odd but worth a retry
		// before the attempt budget runs out.
		metrics.RecordPushDelivery("transient_error", time.Since(start))
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	metrics.RecordPushDelivery("ok", time.Since(start))
	return nil
}
