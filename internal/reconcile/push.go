package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// PushSource delivers server-side status changes for a reference. The stop
// func releases the subscription; the channel closes after it.
type PushSource interface {
	Subscribe(ctx context.Context, reference string) (<-chan checkout.StatusEvent, func(), error)
}

// RedisPush listens on the channel the API publishes status changes to.
type RedisPush struct {
	R      redis.UniversalClient
	Logger zerolog.Logger
}

func (p RedisPush) Subscribe(ctx context.Context, reference string) (<-chan checkout.StatusEvent, func(), error) {
	sub := p.R.Subscribe(ctx, checkout.StatusChannel(reference))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", reference, err)
	}

	out := make(chan checkout.StatusEvent, 4)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev checkout.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					p.Logger.Debug().Err(err).Str("channel", msg.Channel).Msg("status_event_malformed")
					continue
				}
				select {
				case out <- ev:
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(stop)
			_ = sub.Close()
		})
	}, nil
}
