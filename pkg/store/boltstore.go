package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gitnasr/torreclou/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs             = []byte("jobs")
	bucketSyncs            = []byte("syncs")
	bucketJobHistory       = []byte("job_history")
	bucketSyncHistory      = []byte("sync_history")
	bucketTransferProgress = []byte("transfer_progress")
)

// BoltStore implements Store on top of a single bbolt file. It is the
// generalization of the teacher's BoltDB-backed cluster store: one
// bucket per entity, JSON-encoded values, and every multi-row mutation
// wrapped in one db.Update closure.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) <dataDir>/torreclou.db and
// ensures every bucket this package uses exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "torreclou.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketSyncs, bucketJobHistory, bucketSyncHistory, bucketTransferProgress} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func tpKey(jobID, syncID int64, localFilePath string) []byte {
	return []byte(fmt.Sprintf("%d:%d:%s", jobID, syncID, localFilePath))
}

// --- Job ---

func (s *BoltStore) CreateJob(_ context.Context, job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if job.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			job.ID = int64(seq)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(idKey(job.ID), data)
	})
}

func (s *BoltStore) GetJob(_ context.Context, id int64) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("job not found: %d", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(_ context.Context, f Filter) ([]*types.Job, error) {
	var jobs []*types.Job
	statusSet := make(map[types.JobStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statusSet[st] = true
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if f.UserID != 0 && job.UserID != f.UserID {
				return nil
			}
			if f.StorageProfileID != 0 && job.StorageProfileID != f.StorageProfileID {
				return nil
			}
			if len(statusSet) > 0 && !statusSet[job.Status] {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(ctx context.Context, job *types.Job) error {
	return s.CreateJob(ctx, job) // upsert, same as the teacher's Update* methods
}

// --- Sync ---

func (s *BoltStore) CreateSync(_ context.Context, sync *types.Sync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncs)
		if sync.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			sync.ID = int64(seq)
		}
		data, err := json.Marshal(sync)
		if err != nil {
			return err
		}
		return b.Put(idKey(sync.ID), data)
	})
}

func (s *BoltStore) GetSync(_ context.Context, id int64) (*types.Sync, error) {
	var sync types.Sync
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSyncs).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("sync not found: %d", id)
		}
		return json.Unmarshal(data, &sync)
	})
	if err != nil {
		return nil, err
	}
	return &sync, nil
}

func (s *BoltStore) GetSyncByJobID(_ context.Context, jobID int64) (*types.Sync, error) {
	var found *types.Sync
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncs).ForEach(func(_, v []byte) error {
			var sync types.Sync
			if err := json.Unmarshal(v, &sync); err != nil {
				return err
			}
			if sync.JobID == jobID {
				found = &sync
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("sync not found for job: %d", jobID)
	}
	return found, nil
}

func (s *BoltStore) UpdateSync(ctx context.Context, sync *types.Sync) error {
	return s.CreateSync(ctx, sync)
}

// --- StatusHistory ---

func (s *BoltStore) AppendJobHistory(_ context.Context, h *types.StatusHistory) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putHistory(tx, bucketJobHistory, h) })
}

func (s *BoltStore) AppendSyncHistory(_ context.Context, h *types.StatusHistory) error {
	return s.db.Update(func(tx *bolt.Tx) error { return putHistory(tx, bucketSyncHistory, h) })
}

func putHistory(tx *bolt.Tx, bucket []byte, h *types.StatusHistory) error {
	b := tx.Bucket(bucket)
	if h.ID == "" {
		h.ID = fmt.Sprintf("%d-%d", h.ParentID, time.Now().UnixNano())
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	// Key is parentID:changedAtNano so Cursor iteration stays
	// ordered by changedAt within one parent, same as the teacher's
	// Cursor-based ingress/TLS listings.
	key := []byte(fmt.Sprintf("%020d:%020d", h.ParentID, h.ChangedAt.UnixNano()))
	return b.Put(key, data)
}

func (s *BoltStore) ListJobHistory(_ context.Context, jobID int64) ([]*types.StatusHistory, error) {
	return listHistory(s.db, bucketJobHistory, jobID)
}

func (s *BoltStore) ListSyncHistory(_ context.Context, syncID int64) ([]*types.StatusHistory, error) {
	return listHistory(s.db, bucketSyncHistory, syncID)
}

func listHistory(db *bolt.DB, bucket []byte, parentID int64) ([]*types.StatusHistory, error) {
	var rows []*types.StatusHistory
	prefix := []byte(fmt.Sprintf("%020d:", parentID))
	err := db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var h types.StatusHistory
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			rows = append(rows, &h)
		}
		return nil
	})
	return rows, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- TransferProgress ---

func (s *BoltStore) UpsertTransferProgress(_ context.Context, tp *types.TransferProgress) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTransferProgress).Put(tpKey(tp.JobID, tp.SyncID, tp.LocalFilePath), data)
	})
}

func (s *BoltStore) GetTransferProgress(_ context.Context, jobID, syncID int64, localFilePath string) (*types.TransferProgress, error) {
	var tp types.TransferProgress
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTransferProgress).Get(tpKey(jobID, syncID, localFilePath))
		if data == nil {
			return fmt.Errorf("transfer progress not found: job=%d sync=%d path=%s", jobID, syncID, localFilePath)
		}
		return json.Unmarshal(data, &tp)
	})
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

func (s *BoltStore) ListTransferProgress(_ context.Context, jobID, syncID int64) ([]*types.TransferProgress, error) {
	var rows []*types.TransferProgress
	prefix := []byte(fmt.Sprintf("%d:%d:", jobID, syncID))
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransferProgress).ForEach(func(k, v []byte) error {
			if !hasPrefix(k, prefix) {
				return nil
			}
			var tp types.TransferProgress
			if err := json.Unmarshal(v, &tp); err != nil {
				return err
			}
			rows = append(rows, &tp)
			return nil
		})
	})
	return rows, err
}

func (s *BoltStore) DeleteTransferProgress(_ context.Context, jobID, syncID int64, localFilePath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransferProgress).Delete(tpKey(jobID, syncID, localFilePath))
	})
}

// --- stale scans (Recovery Supervisor candidates) ---

func (s *BoltStore) ListStaleJobs(_ context.Context, now time.Time, heartbeatThreshold time.Duration) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if isStaleJob(&job, now, heartbeatThreshold) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func isStaleJob(job *types.Job, now time.Time, heartbeatThreshold time.Duration) bool {
	if job.Status.Terminal() {
		return false
	}
	switch job.Status {
	case types.JobTorrentDownloadRetry, types.JobUploadRetry:
		return job.NextRetryAt == nil || !job.NextRetryAt.After(now)
	case types.JobDownloading, types.JobUploading:
		if !job.LastHeartbeat.IsZero() {
			return job.LastHeartbeat.Before(now.Add(-heartbeatThreshold))
		}
		return job.StartedAt != nil && job.StartedAt.Before(now.Add(-heartbeatThreshold))
	case types.JobQueued, types.JobPendingUpload:
		return job.BackgroundTaskID == "" && job.CreatedAt.Before(now.Add(-heartbeatThreshold))
	default:
		return false
	}
}

func (s *BoltStore) ListStaleSyncs(_ context.Context, now time.Time, heartbeatThreshold time.Duration) ([]*types.Sync, error) {
	var syncs []*types.Sync
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSyncs).ForEach(func(_, v []byte) error {
			var sync types.Sync
			if err := json.Unmarshal(v, &sync); err != nil {
				return err
			}
			if isStaleSync(&sync, now, heartbeatThreshold) {
				syncs = append(syncs, &sync)
			}
			return nil
		})
	})
	return syncs, err
}

func isStaleSync(sync *types.Sync, now time.Time, heartbeatThreshold time.Duration) bool {
	if sync.Status.Terminal() {
		return false
	}
	switch sync.Status {
	case types.SyncRetry:
		return sync.NextRetryAt == nil || !sync.NextRetryAt.After(now)
	case types.SyncSyncing:
		if !sync.LastHeartbeat.IsZero() {
			return sync.LastHeartbeat.Before(now.Add(-heartbeatThreshold))
		}
		return sync.StartedAt != nil && sync.StartedAt.Before(now.Add(-heartbeatThreshold))
	case types.SyncPending:
		return sync.BackgroundTaskID == ""
	default:
		return false
	}
}

// --- scoped units of work ---

type boltJobTx struct {
	tx *bolt.Tx
}

func (t *boltJobTx) GetJob(id int64) (*types.Job, error) {
	var job types.Job
	data := t.tx.Bucket(bucketJobs).Get(idKey(id))
	if data == nil {
		return nil, fmt.Errorf("job not found: %d", id)
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (t *boltJobTx) PutJob(job *types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketJobs).Put(idKey(job.ID), data)
}

func (t *boltJobTx) AppendHistory(h *types.StatusHistory) error {
	return putHistory(t.tx, bucketJobHistory, h)
}

// WithJobTransaction wraps fn in one db.Update so the Status Engine's
// status write and history write commit atomically (spec.md §4.2/§4.1).
func (s *BoltStore) WithJobTransaction(_ context.Context, fn func(tx JobTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltJobTx{tx: tx})
	})
}

type boltSyncTx struct {
	tx *bolt.Tx
}

func (t *boltSyncTx) GetSync(id int64) (*types.Sync, error) {
	var sync types.Sync
	data := t.tx.Bucket(bucketSyncs).Get(idKey(id))
	if data == nil {
		return nil, fmt.Errorf("sync not found: %d", id)
	}
	if err := json.Unmarshal(data, &sync); err != nil {
		return nil, err
	}
	return &sync, nil
}

func (t *boltSyncTx) PutSync(sync *types.Sync) error {
	data, err := json.Marshal(sync)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketSyncs).Put(idKey(sync.ID), data)
}

func (t *boltSyncTx) AppendHistory(h *types.StatusHistory) error {
	return putHistory(t.tx, bucketSyncHistory, h)
}

func (s *BoltStore) WithSyncTransaction(_ context.Context, fn func(tx SyncTx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltSyncTx{tx: tx})
	})
}
