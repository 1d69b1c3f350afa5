package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gitnasr/torreclou/pkg/eventlog"
	"github.com/gitnasr/torreclou/pkg/statusengine"
	"github.com/gitnasr/torreclou/pkg/store"
	"github.com/gitnasr/torreclou/pkg/torreerr"
	"github.com/gitnasr/torreclou/pkg/types"
)

// s3Credentials is the shape of StorageProfile.CredentialsJSON for an
// S3-compatible profile.
type s3Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`
	Bucket          string `json:"bucket"`
}

type s3Session struct {
	client *s3.Client
	bucket string
}

type s3PartUpload struct {
	bucket string
	key    string
}

// S3Provider is the S3-compatible Upload Stage transport. Per spec.md
// §9 Open Question (b), this is the single shared part-upload
// transport: the Sync Stage reuses it rather than reimplementing
// multipart upload.
type S3Provider struct {
	store  store.Store
	engine *statusengine.Engine
	events *eventlog.Log

	mu       sync.Mutex
	sessions map[int64]*s3Session
	uploads  map[string]*s3PartUpload
}

func NewS3Provider(s store.Store, engine *statusengine.Engine, events *eventlog.Log) *S3Provider {
	return &S3Provider{
		store:    s,
		engine:   engine,
		events:   events,
		sessions: make(map[int64]*s3Session),
		uploads:  make(map[string]*s3PartUpload),
	}
}

func (p *S3Provider) Name() string { return "s3" }

func (p *S3Provider) LeaseKey(jobID int64) string {
	return fmt.Sprintf("s3:lock:%d", jobID)
}

// Validate builds an S3 client from the profile's static keys and
// probes bucket access with a ListObjectsV2 call (spec.md §4.8 step
// 4: "Forbidden -> AccessDenied; NotFound -> BucketNotFound").
func (p *S3Provider) Validate(ctx context.Context, job *types.Job, profile *types.StorageProfile) error {
	if profile.Provider != types.ProviderS3 {
		return torreerr.New(torreerr.InvalidProfile, "storage profile is not an S3 profile")
	}
	var creds s3Credentials
	if err := json.Unmarshal(profile.CredentialsJSON, &creds); err != nil {
		return torreerr.Wrap(torreerr.InvalidCredentialsJSON, "failed to parse s3 credentials", err)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" || creds.Bucket == "" {
		return torreerr.New(torreerr.MissingRequiredFields, "s3 profile is missing access key, secret key, or bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, "")),
	)
	if err != nil {
		return torreerr.Wrap(torreerr.InvalidS3Config, "failed to build aws config", err)
	}
	client := s3.NewFromConfig(awsCfg)

	one := int32(1)
	_, err = client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &creds.Bucket, MaxKeys: &one})
	if err != nil {
		var nsb *s3types.NoSuchBucket
		if errors.As(err, &nsb) {
			return torreerr.Wrap(torreerr.BucketNotFound, "bucket does not exist", err)
		}
		if strings.Contains(err.Error(), "AccessDenied") || strings.Contains(err.Error(), "Forbidden") {
			return torreerr.Wrap(torreerr.AccessDenied, "access denied to bucket", err)
		}
		return torreerr.Wrap(torreerr.S3Error, "failed to access bucket", err)
	}

	p.mu.Lock()
	p.sessions[job.ID] = &s3Session{client: client, bucket: creds.Bucket}
	p.mu.Unlock()
	return nil
}

func (p *S3Provider) session(jobID int64) (*s3Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[jobID]
	if !ok {
		return nil, torreerr.New(torreerr.Unauthorized, "s3 session not initialized; Validate must run first")
	}
	return s, nil
}

// RemoteRoot returns the job-scoped S3 key prefix; the provider's
// sessionByRoot derives jobID back out of it since downstream calls
// only carry root, not the job row.
func (p *S3Provider) RemoteRoot(ctx context.Context, job *types.Job) (string, error) {
	if _, err := p.session(job.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("jobs/%d", job.ID), nil
}

func (p *S3Provider) sessionByRoot(root string) (*s3Session, error) {
	var jobID int64
	if _, err := fmt.Sscanf(root, "jobs/%d", &jobID); err != nil {
		return nil, torreerr.New(torreerr.ReadError, "malformed s3 root handle: "+root)
	}
	return p.session(jobID)
}

func (p *S3Provider) FindRemote(ctx context.Context, root, relPath string) (bool, error) {
	s, err := p.sessionByRoot(root)
	if err != nil {
		return false, err
	}
	key := root + "/" + relPath
	one := int32(1)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: &s.bucket, Prefix: &key, MaxKeys: &one})
	if err != nil {
		return false, fmt.Errorf("probe remote object %s: %w", key, err)
	}
	return len(out.Contents) > 0, nil
}

func (p *S3Provider) InitResumable(ctx context.Context, root, relPath string, size int64) (string, error) {
	s, err := p.sessionByRoot(root)
	if err != nil {
		return "", err
	}
	key := root + "/" + relPath
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.uploads[*out.UploadId] = &s3PartUpload{bucket: s.bucket, key: key}
	p.mu.Unlock()
	return *out.UploadId, nil
}

func (p *S3Provider) UploadPart(ctx context.Context, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	p.mu.Lock()
	up, ok := p.uploads[uploadID]
	s := p.sessionForBucket(up)
	p.mu.Unlock()
	if !ok {
		return "", torreerr.New(torreerr.ReadError, "unknown s3 multipart session")
	}
	if s == nil {
		return "", torreerr.New(torreerr.Unauthorized, "no s3 session available for upload")
	}

	n := int32(partNumber)
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &up.bucket,
		Key:           &up.key,
		UploadId:      &uploadID,
		PartNumber:    &n,
		Body:          r,
		ContentLength: &size,
	})
	if err != nil {
		return "", err
	}
	return *out.ETag, nil
}

// sessionForBucket returns any live session against up's bucket. Each
// worker process validates one profile at a time per job, so any
// authorized client for that bucket is interchangeable.
func (p *S3Provider) sessionForBucket(up *s3PartUpload) *s3Session {
	if up == nil {
		return nil
	}
	for _, s := range p.sessions {
		if s.bucket == up.bucket {
			return s
		}
	}
	return nil
}

func (p *S3Provider) CompleteResumable(ctx context.Context, uploadID, root, relPath string, parts []Part) error {
	s, err := p.sessionByRoot(root)
	if err != nil {
		return err
	}
	key := root + "/" + relPath

	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		n := int32(part.PartNumber)
		etag := part.ETag
		completed = append(completed, s3types.CompletedPart{PartNumber: &n, ETag: &etag})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &s.bucket,
		Key:             &key,
		UploadId:        &uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	p.mu.Lock()
	delete(p.uploads, uploadID)
	p.mu.Unlock()
	return err
}

// OnAllFilesUploaded resolves spec.md §9 Open Question (b): S3 uploads
// are always a mirror staging step. Rather than completing the Job
// here, it creates the Sync row and hands off to sync:stream; the Job
// stays UPLOADING until the Sync Stage completes it.
func (p *S3Provider) OnAllFilesUploaded(ctx context.Context, job *types.Job) error {
	if _, err := p.session(job.ID); err != nil {
		return err
	}

	syncRow := &types.Sync{
		JobID:         job.ID,
		Status:        types.SyncPending,
		LocalFilePath: job.DownloadPath,
		S3KeyPrefix:   fmt.Sprintf("jobs/%d", job.ID),
	}
	if err := p.store.CreateSync(ctx, syncRow); err != nil {
		return fmt.Errorf("create sync row: %w", err)
	}
	if err := p.engine.RecordInitialSync(ctx, syncRow.ID); err != nil {
		return fmt.Errorf("record initial sync history: %w", err)
	}

	_, err := p.events.Append(ctx, eventlog.SyncStream, map[string]interface{}{
		"syncId":    fmt.Sprintf("%d", syncRow.ID),
		"jobId":     fmt.Sprintf("%d", job.ID),
		"createdAt": time.Now().Format(time.RFC3339),
	})

	p.mu.Lock()
	delete(p.sessions, job.ID)
	p.mu.Unlock()
	return err
}

func (p *S3Provider) FailureStatus() types.JobStatus {
	return types.JobUploadFailed
}
