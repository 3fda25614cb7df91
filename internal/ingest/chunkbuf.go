package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrChunkMissing is returned by Assemble when a chunk expired or never
// arrived.
var ErrChunkMissing = errors.New("chunk missing from buffer")

const chunkKeyPrefix = "moldwatch:chunks"

// ChunkBuffer durably buffers in-flight image chunks in Redis so a restart
// of the ingest process does not lose a transfer. Every key carries a TTL,
// bounding storage for transfers that never complete.
type ChunkBuffer struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewChunkBuffer creates a ChunkBuffer with the given TTL for buffered
// chunks.
func NewChunkBuffer(rdb *redis.Client, ttl time.Duration) (*ChunkBuffer, error) {
	if rdb == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ChunkBuffer{rdb: rdb, ttl: ttl}, nil
}

func metaKey(deviceRef, imageName string) string {
	return fmt.Sprintf("%s:%s:%s:meta", chunkKeyPrefix, deviceRef, imageName)
}

func chunkKey(deviceRef, imageName string, idx int) string {
	return fmt.Sprintf("%s:%s:%s:%d", chunkKeyPrefix, deviceRef, imageName, idx)
}

func receivedKey(deviceRef, imageName string) string {
	return fmt.Sprintf("%s:%s:%s:received", chunkKeyPrefix, deviceRef, imageName)
}

// PutMeta records the expected chunk count for a transfer.
func (b *ChunkBuffer) PutMeta(ctx context.Context, deviceRef, imageName string, total int) error {
	key := metaKey(deviceRef, imageName)
	if err := b.rdb.Set(ctx, key, total, b.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store chunk meta: %w", err)
	}
	return nil
}

// Expected returns the recorded chunk count, or ok=false when no metadata
// message has arrived yet (chunks may race ahead of metadata).
func (b *ChunkBuffer) Expected(ctx context.Context, deviceRef, imageName string) (int, bool, error) {
	total, err := b.rdb.Get(ctx, metaKey(deviceRef, imageName)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read chunk meta: %w", err)
	}
	return total, true, nil
}

// PutChunk buffers one chunk and returns the distinct received count.
// Storing the same index twice is idempotent: the set count does not move.
func (b *ChunkBuffer) PutChunk(ctx context.Context, deviceRef, imageName string, idx int, data []byte) (int, error) {
	if err := b.rdb.Set(ctx, chunkKey(deviceRef, imageName, idx), data, b.ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to buffer chunk %d: %w", idx, err)
	}

	rkey := receivedKey(deviceRef, imageName)
	if err := b.rdb.SAdd(ctx, rkey, idx).Err(); err != nil {
		return 0, fmt.Errorf("failed to record chunk %d: %w", idx, err)
	}
	if err := b.rdb.Expire(ctx, rkey, b.ttl).Err(); err != nil {
		return 0, fmt.Errorf("failed to refresh chunk set TTL: %w", err)
	}

	count, err := b.rdb.SCard(ctx, rkey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(count), nil
}

// ReceivedCount returns how many distinct chunks are buffered.
func (b *ChunkBuffer) ReceivedCount(ctx context.Context, deviceRef, imageName string) (int, error) {
	count, err := b.rdb.SCard(ctx, receivedKey(deviceRef, imageName)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return int(count), nil
}

// Assemble concatenates chunks 0..total-1 in order. A missing chunk yields
// ErrChunkMissing with the index.
func (b *ChunkBuffer) Assemble(ctx context.Context, deviceRef, imageName string, total int) ([]byte, error) {
	var out []byte
	for i := 0; i < total; i++ {
		data, err := b.rdb.Get(ctx, chunkKey(deviceRef, imageName, i)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("chunk %d of %s/%s: %w", i, deviceRef, imageName, ErrChunkMissing)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// Clear removes all buffered state for a transfer.
func (b *ChunkBuffer) Clear(ctx context.Context, deviceRef, imageName string, total int) error {
	keys := []string{metaKey(deviceRef, imageName), receivedKey(deviceRef, imageName)}
	for i := 0; i < total; i++ {
		keys = append(keys, chunkKey(deviceRef, imageName, i))
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear chunk buffer: %w", err)
	}
	return nil
}
