package pubsub

import (
	"context"
	"encoding/json"

	"marketsync/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Publisher republishes live price updates on Redis pub/sub for out-of-process
// consumers.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *logrus.Logger
}

func NewPublisher(client *redis.Client, channel string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// PublishPrice publishes a price update to the shared channel and to a
// per-symbol channel.
func (p *Publisher) PublishPrice(ctx context.Context, update *models.PriceUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return err
	}

	symbolChannel := p.channel + ":" + update.Exchange + ":" + update.Symbol
	return p.client.Publish(ctx, symbolChannel, data).Err()
}
