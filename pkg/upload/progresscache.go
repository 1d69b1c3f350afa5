package upload

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ProgressCache is the "process-external key/value cache keyed by
// jobId" of spec.md §4.8: the provider root handle, the per-file
// relativePath→remoteId map, and in-progress resumable upload ids, so
// a restarted upload finds prior work in O(1) instead of re-walking
// the remote.
type ProgressCache struct {
	rdb *redis.Client
}

func NewProgressCache(rdb *redis.Client) *ProgressCache {
	return &ProgressCache{rdb: rdb}
}

func cacheKey(jobID int64) string {
	return fmt.Sprintf("upload:progress:%d", jobID)
}

const rootField = "__root__"

// PutRoot persists the provider root handle for jobID.
func (c *ProgressCache) PutRoot(ctx context.Context, jobID int64, root string) error {
	return c.rdb.HSet(ctx, cacheKey(jobID), rootField, root).Err()
}

// Root returns the cached provider root handle, if any.
func (c *ProgressCache) Root(ctx context.Context, jobID int64) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, cacheKey(jobID), rootField).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// PutRemoteID records that relPath is known to have remote id
// remoteID under jobID's root.
func (c *ProgressCache) PutRemoteID(ctx context.Context, jobID int64, relPath, remoteID string) error {
	return c.rdb.HSet(ctx, cacheKey(jobID), "file:"+relPath, remoteID).Err()
}

// RemoteID returns a previously cached remote id for relPath.
func (c *ProgressCache) RemoteID(ctx context.Context, jobID int64, relPath string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, cacheKey(jobID), "file:"+relPath).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// PutUploadSession records the in-progress resumable upload id for relPath.
func (c *ProgressCache) PutUploadSession(ctx context.Context, jobID int64, relPath, uploadID string) error {
	return c.rdb.HSet(ctx, cacheKey(jobID), "session:"+relPath, uploadID).Err()
}

// UploadSession returns a previously cached resumable upload id, if any.
func (c *ProgressCache) UploadSession(ctx context.Context, jobID int64, relPath string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, cacheKey(jobID), "session:"+relPath).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Clear discards every cached entry for jobID, once the upload completes.
func (c *ProgressCache) Clear(ctx context.Context, jobID int64) error {
	return c.rdb.Del(ctx, cacheKey(jobID)).Err()
}
