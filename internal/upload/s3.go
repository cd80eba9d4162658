package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/seedrelay/seedrelay/internal/constants"
	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// S3API is the slice of the S3 client the executor uses. Satisfied by
// *s3.Client; tests substitute a fake.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, in *s3.ListPartsInput, opts ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ClientFactory builds an S3 client for a profile's credentials. Overridable
// for tests.
type ClientFactory func(ctx context.Context, creds models.S3Credentials) (S3API, error)

// S3Executor uploads a job's files to an S3-compatible store via multipart
// uploads checkpointed in the database.
type S3Executor struct {
	store     *store.Store
	logger    *logging.Logger
	newClient ClientFactory
}

// NewS3Executor creates the S3 executor with the default client factory.
func NewS3Executor(st *store.Store, logger *logging.Logger) *S3Executor {
	return &S3Executor{
		store:     st,
		logger:    logger.Sub("s3"),
		newClient: newS3Client,
	}
}

// SetClientFactory replaces the client constructor. Used in tests.
func (x *S3Executor) SetClientFactory(f ClientFactory) { x.newClient = f }

func (x *S3Executor) Provider() models.ProviderType { return models.ProviderS3 }
func (x *S3Executor) LockName() string              { return "s3" }

// newS3Client builds a real client with static credentials, path-style
// addressing, and the profile's custom endpoint (MinIO, Backblaze, Wasabi).
func newS3Client(ctx context.Context, creds models.S3Credentials) (S3API, error) {
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if creds.Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.Endpoint)
		}
	})
	return client, nil
}

// decodeCredentials parses and sanity-checks the profile blob.
func decodeS3Credentials(profile *models.UserStorageProfile) (models.S3Credentials, error) {
	var creds models.S3Credentials
	if err := json.Unmarshal([]byte(profile.CredentialsJSON), &creds); err != nil {
		return creds, fmt.Errorf("%w: %v", ErrMissingCredentials, err)
	}
	if creds.AccessKeyID == "" || creds.SecretKey == "" || creds.Bucket == "" {
		return creds, fmt.Errorf("%w: access key, secret, and bucket are required", ErrMissingCredentials)
	}
	return creds, nil
}

// Upload transfers every eligible file under torrents/{jobId}/ in the target
// bucket.
func (x *S3Executor) Upload(ctx context.Context, job *models.UserJob, files []LocalFile, reporter *Reporter) error {
	creds, err := decodeS3Credentials(job.StorageProfile)
	if err != nil {
		if mErr := x.store.MarkProfileNeedsReauth(ctx, job.StorageProfileID); mErr != nil {
			x.logger.Warn().Uint("profile_id", job.StorageProfileID).Err(mErr).Msg("Failed to flag profile for re-auth")
		}
		return Fatal(err)
	}

	client, err := x.newClient(ctx, creds)
	if err != nil {
		return Fatal(err)
	}

	if err := x.probeBucket(ctx, client, creds.Bucket); err != nil {
		return err
	}

	for _, f := range files {
		key := fmt.Sprintf("torrents/%d/%s", job.ID, f.RelPath)
		if err := x.uploadFile(ctx, client, creds.Bucket, job.ID, key, f, reporter); err != nil {
			return fmt.Errorf("failed to upload %s: %w", f.RelPath, err)
		}
	}
	return nil
}

// probeBucket verifies the credentials reach the bucket before any transfer
// starts. Denied access and missing buckets are non-retryable.
func (x *S3Executor) probeBucket(ctx context.Context, client S3API, bucket string) error {
	_, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(1),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return Fatal(fmt.Errorf("bucket %s: credentials rejected: %w", bucket, err))
		case "NoSuchBucket":
			return Fatal(fmt.Errorf("bucket %s does not exist: %w", bucket, err))
		}
	}
	return fmt.Errorf("failed to probe bucket %s: %w", bucket, err)
}

// uploadFile runs the skip check then a resumable multipart transfer for one
// file.
func (x *S3Executor) uploadFile(ctx context.Context, client S3API, bucket string, jobID uint, key string, f LocalFile, reporter *Reporter) error {
	// An object already present with the right size is a completed prior run.
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil && head.ContentLength != nil && *head.ContentLength == f.Size {
		x.logger.Info().Uint("job_id", jobID).Str("key", key).Msg("Object already uploaded, skipping")
		reporter.FileCompleted(ctx, f.Size)
		return nil
	}

	row, uploadID, err := x.resumeOrCreate(ctx, client, bucket, jobID, key, f)
	if err != nil {
		return err
	}

	etags, err := row.ETags()
	if err != nil {
		return fmt.Errorf("failed to decode part checkpoints for %s: %w", key, err)
	}
	done := make(map[int32]bool, len(etags))
	var uploadedBytes int64
	for _, t := range etags {
		done[t.PartNumber] = true
	}

	file, err := os.Open(f.AbsPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.AbsPath, err)
	}
	defer file.Close()

	partSize := row.PartSize
	totalParts := int32(row.TotalParts)
	buf := make([]byte, partSize)

	for part := int32(1); part <= totalParts; part++ {
		offset := int64(part-1) * partSize
		want := partSize
		if remaining := f.Size - offset; remaining < want {
			want = remaining
		}

		if done[part] {
			uploadedBytes += want
			reporter.FileProgress(ctx, uploadedBytes)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to part %d: %w", part, err)
		}
		n, err := io.ReadFull(file, buf[:want])
		if err != nil {
			// The local file shrank under us; the payload is gone or damaged.
			return Fatal(fmt.Errorf("short read on part %d of %s (got %d, want %d): %w", part, key, n, want, err))
		}

		out, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(part),
			Body:       bytes.NewReader(buf[:want]),
		})
		if err != nil {
			return fmt.Errorf("failed to upload part %d of %s: %w", part, key, err)
		}

		etags = append(etags, models.PartETag{PartNumber: part, ETag: aws.ToString(out.ETag)})
		if err := row.SetETags(etags); err != nil {
			return err
		}
		row.BytesUploaded += want
		if err := x.store.SaveS3Progress(ctx, row); err != nil {
			return fmt.Errorf("failed to checkpoint part %d of %s: %w", part, key, err)
		}

		done[part] = true
		uploadedBytes += want
		reporter.FileProgress(ctx, uploadedBytes)
	}

	sort.Slice(etags, func(i, j int) bool { return etags[i].PartNumber < etags[j].PartNumber })
	completed := make([]types.CompletedPart, len(etags))
	for i, t := range etags {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(t.PartNumber),
			ETag:       aws.String(t.ETag),
		}
	}

	if _, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}); err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}

	if err := x.store.DeleteS3Progress(ctx, jobID, key); err != nil {
		x.logger.Warn().Uint("job_id", jobID).Str("key", key).Err(err).Msg("Failed to delete progress row")
	}
	reporter.FileCompleted(ctx, f.Size)
	return nil
}

// resumeOrCreate loads the checkpoint row for this file and reconciles it
// against ListParts (the server is authoritative for what actually landed),
// or starts a fresh multipart upload.
func (x *S3Executor) resumeOrCreate(ctx context.Context, client S3API, bucket string, jobID uint, key string, f LocalFile) (*models.S3UploadProgress, string, error) {
	row, err := x.store.GetS3Progress(ctx, jobID, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", fmt.Errorf("failed to load progress for %s: %w", key, err)
	}

	if row != nil && row.UploadID != "" && row.Status == models.S3ProgressInProgress {
		parts, listErr := x.listServerParts(ctx, client, bucket, key, row.UploadID)
		if listErr == nil {
			var etags []models.PartETag
			var bytesDone int64
			for _, p := range parts {
				etags = append(etags, models.PartETag{PartNumber: aws.ToInt32(p.PartNumber), ETag: aws.ToString(p.ETag)})
				bytesDone += aws.ToInt64(p.Size)
			}
			if err := row.SetETags(etags); err != nil {
				return nil, "", err
			}
			row.BytesUploaded = bytesDone
			if err := x.store.SaveS3Progress(ctx, row); err != nil {
				return nil, "", fmt.Errorf("failed to reconcile progress for %s: %w", key, err)
			}
			x.logger.Info().Uint("job_id", jobID).Str("key", key).Int("parts", len(etags)).Msg("Resuming multipart upload")
			return row, row.UploadID, nil
		}
		// The upload id is gone (aborted or expired): fall through and start
		// over with a clean row.
		x.logger.Warn().Uint("job_id", jobID).Str("key", key).Err(listErr).Msg("Checkpointed upload id is stale, restarting")
		if err := x.store.DeleteS3Progress(ctx, jobID, key); err != nil {
			return nil, "", err
		}
		row = nil
	}

	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	uploadID := aws.ToString(out.UploadId)

	partSize := int64(constants.ChunkSize)
	totalParts := int((f.Size + partSize - 1) / partSize)
	if totalParts == 0 {
		totalParts = 1 // zero-byte file still needs one (empty) part
	}

	now := time.Now().UTC()
	row = &models.S3UploadProgress{
		JobID:         jobID,
		LocalFilePath: f.AbsPath,
		S3Key:         key,
		UploadID:      uploadID,
		PartSize:      partSize,
		TotalParts:    totalParts,
		TotalBytes:    f.Size,
		Status:        models.S3ProgressInProgress,
		StartedAt:     &now,
	}
	if err := x.store.SaveS3Progress(ctx, row); err != nil {
		return nil, "", fmt.Errorf("failed to create progress row for %s: %w", key, err)
	}
	return row, uploadID, nil
}

// listServerParts pages through ListParts for one upload id.
func (x *S3Executor) listServerParts(ctx context.Context, client S3API, bucket, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	var marker *string
	for {
		out, err := client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}
		parts = append(parts, out.Parts...)
		if out.IsTruncated == nil || !*out.IsTruncated {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

// Cleanup aborts every outstanding multipart upload recorded for the job.
// Best effort: the rows stay for the retry run, which reconciles against the
// server anyway.
func (x *S3Executor) Cleanup(ctx context.Context, job *models.UserJob) {
	rows, err := x.store.ListInProgressS3Uploads(ctx, job.ID)
	if err != nil {
		x.logger.Warn().Uint("job_id", job.ID).Err(err).Msg("Failed to list in-progress uploads for cleanup")
		return
	}
	if len(rows) == 0 {
		return
	}

	creds, err := decodeS3Credentials(job.StorageProfile)
	if err != nil {
		x.logger.Warn().Uint("job_id", job.ID).Err(err).Msg("Cannot decode credentials for cleanup")
		return
	}
	client, err := x.newClient(ctx, creds)
	if err != nil {
		x.logger.Warn().Uint("job_id", job.ID).Err(err).Msg("Cannot build client for cleanup")
		return
	}

	for _, row := range rows {
		_, err := client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(creds.Bucket),
			Key:      aws.String(row.S3Key),
			UploadId: aws.String(row.UploadID),
		})
		if err != nil {
			x.logger.Warn().Uint("job_id", job.ID).Str("key", row.S3Key).Err(err).Msg("Failed to abort multipart upload")
		}
	}
}
