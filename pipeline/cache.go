package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"github.com/Phichayapa48/banana-ai-farm/models"
	"github.com/Phichayapa48/banana-ai-farm/normalize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache stores detections per image content.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.Detection, bool, error)
	Set(ctx context.Context, key string, dets []models.Detection) error
}

const cacheKeyPrefix = "banana:detections:"

// CacheKey hashes the image bytes together with every setting that changes
// the tensor handed to the model and the identity of the model itself.
func CacheKey(data []byte, n *normalize.Normalizer, model string) string {
	opts := n.Options()
	h := sha256.New()
	fmt.Fprintf(h, "size=%d;sharpen=%t;resize=%s;rembg=%t;model=%s;", opts.Size, opts.Sharpen, opts.Resize, n.BackgroundRemoval(), model)
	h.Write(data)
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

type cachedDetection struct {
	BBox       [4]float32 `json:"b"`
	Confidence float32    `json:"c"`
	ClassID    int        `json:"k"`
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]models.Detection, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stored []cachedDetection
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode cached detections: %w", err)
	}

	dets := make([]models.Detection, 0, len(stored))
	for _, s := range stored {
		dets = append(dets, models.Detection{BBox: s.BBox, Confidence: s.Confidence, ClassID: s.ClassID})
	}
	return dets, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, dets []models.Detection) error {
	stored := make([]cachedDetection, 0, len(dets))
	for _, d := range dets {
		stored = append(stored, cachedDetection{BBox: d.BBox, Confidence: d.Confidence, ClassID: d.ClassID})
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}
