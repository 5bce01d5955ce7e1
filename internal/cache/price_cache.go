package cache

import (
	"context"
	"encoding/json"
	"time"

	"marketsync/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// PriceCache keeps the latest observed price per (exchange, symbol) in Redis.
type PriceCache struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPriceCache(client *redis.Client, logger *logrus.Logger) *PriceCache {
	return &PriceCache{
		client: client,
		logger: logger,
	}
}

func key(exchange, symbol string) string {
	return "price:" + exchange + ":" + symbol
}

// SetLatest caches the most recent price update.
func (c *PriceCache) SetLatest(ctx context.Context, update *models.PriceUpdate, ttl time.Duration) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(update.Exchange, update.Symbol), data, ttl).Err()
}

// GetLatest retrieves the cached latest price, if any.
func (c *PriceCache) GetLatest(ctx context.Context, exchange, symbol string) (*models.PriceUpdate, error) {
	data, err := c.client.Get(ctx, key(exchange, symbol)).Result()
	if err != nil {
		return nil, err
	}

	var update models.PriceUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return nil, err
	}
	return &update, nil
}
