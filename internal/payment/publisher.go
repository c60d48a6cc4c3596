package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/toko-checkout/internal/checkout"
)

// Publisher fans status changes out to clients waiting on a reference.
type Publisher interface {
	Publish(ctx context.Context, ev checkout.StatusEvent) error
}

// RedisPublisher publishes StatusEvents on checkout.StatusChannel.
type RedisPublisher struct {
	R redis.UniversalClient
}

func (p RedisPublisher) Publish(ctx context.Context, ev checkout.StatusEvent) error {
	if p.R == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.R.Publish(ctx, checkout.StatusChannel(ev.Reference), data).Err(); err != nil {
		return fmt.Errorf("payment: publish status: %w", err)
	}
	return nil
}
