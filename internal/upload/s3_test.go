package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/seedrelay/seedrelay/internal/logging"
	"github.com/seedrelay/seedrelay/internal/models"
	"github.com/seedrelay/seedrelay/internal/store"
)

// fakeS3 is an in-memory S3API covering the multipart surface the executor
// uses.
type fakeS3 struct {
	mu sync.Mutex

	probeErr error
	objects  map[string]int64 // key → size, served by HeadObject

	nextUpload int
	uploads    map[string]*fakeUpload // uploadID → state
	completed  map[string][]int32    // key → part numbers at completion
	aborted    []string              // upload ids
}

type fakeUpload struct {
	key   string
	parts map[int32][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:   make(map[string]int64),
		uploads:   make(map[string]*fakeUpload),
		completed: make(map[string][]int32),
	}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUpload++
	id := fmt.Sprintf("upl-%d", f.nextUpload)
	f.uploads[id] = &fakeUpload{key: aws.ToString(in.Key), parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	n := aws.ToInt32(in.PartNumber)
	up.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d"`, n))}, nil
}

func (f *fakeS3) ListParts(ctx context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for n, data := range up.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(n),
			ETag:       aws.String(fmt.Sprintf(`"etag-%d"`, n)),
			Size:       aws.Int64(int64(len(data))),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchUpload"}
	}
	var order []int32
	var size int64
	for _, p := range in.MultipartUpload.Parts {
		order = append(order, aws.ToInt32(p.PartNumber))
		size += int64(len(up.parts[aws.ToInt32(p.PartNumber)]))
	}
	f.completed[up.key] = order
	f.objects[up.key] = size
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

type s3Fixture struct {
	exec  *S3Executor
	s3    *fakeS3
	store *store.Store
	job   *models.UserJob
	dir   string
}

func newS3Fixture(t *testing.T) *s3Fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := newFakeS3()
	exec := NewS3Executor(st, logging.Nop())
	exec.SetClientFactory(func(ctx context.Context, creds models.S3Credentials) (S3API, error) {
		return fake, nil
	})

	creds, _ := json.Marshal(models.S3Credentials{
		AccessKeyID: "AK",
		SecretKey:   "SK",
		Endpoint:    "http://minio:9000",
		Region:      "us-east-1",
		Bucket:      "backups",
	})
	profile := &models.UserStorageProfile{
		UserID:          1,
		ProviderType:    models.ProviderS3,
		CredentialsJSON: string(creds),
		IsActive:        true,
	}
	require.NoError(t, st.CreateStorageProfile(context.Background(), profile))

	dir := t.TempDir()
	job := &models.UserJob{
		UserID:           1,
		StorageProfileID: profile.ID,
		Status:           models.StatusUploading,
		DownloadPath:     dir,
		StorageProfile:   profile,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))

	return &s3Fixture{exec: exec, s3: fake, store: st, job: job, dir: dir}
}

func (fx *s3Fixture) addFile(t *testing.T, relPath, content string) LocalFile {
	t.Helper()
	abs := filepath.Join(fx.dir, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	return LocalFile{AbsPath: abs, RelPath: relPath, Size: int64(len(content))}
}

func (fx *s3Fixture) reporter() *Reporter {
	return NewReporter(fx.store, fx.job.ID, 1000, logging.Nop())
}

func TestS3UploadSingleFile(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "multipart payload")

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))

	key := fmt.Sprintf("torrents/%d/movie.mkv", fx.job.ID)
	require.Equal(t, []int32{1}, fx.s3.completed[key])
	require.Equal(t, f.Size, fx.s3.objects[key])

	// The checkpoint row is removed once the file completes.
	_, err := fx.store.GetS3Progress(ctx, fx.job.ID, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestS3UploadKeyLayout(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "season1/episode1.mkv", "ep1")

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))

	key := fmt.Sprintf("torrents/%d/season1/episode1.mkv", fx.job.ID)
	require.Contains(t, fx.s3.completed, key)
}

func TestS3UploadSkipsExistingObject(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "already uploaded")

	key := fmt.Sprintf("torrents/%d/movie.mkv", fx.job.ID)
	fx.s3.objects[key] = f.Size

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))
	require.Empty(t, fx.s3.completed, "no multipart upload should have run")
}

func TestS3UploadSizeMismatchReuploads(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "full content here")

	// A truncated prior object must not be trusted.
	key := fmt.Sprintf("torrents/%d/movie.mkv", fx.job.ID)
	fx.s3.objects[key] = f.Size - 3

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))
	require.Contains(t, fx.s3.completed, key)
	require.Equal(t, f.Size, fx.s3.objects[key])
}

func TestS3UploadResumesFromCheckpoint(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()

	// Three parts; part sizes forced small via a pre-seeded progress row.
	content := "aaaabbbbcc"
	f := fx.addFile(t, "big.bin", content)
	key := fmt.Sprintf("torrents/%d/big.bin", fx.job.ID)

	// A prior run created the upload and landed part 1 ("aaaa").
	out, err := fx.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String("backups"), Key: aws.String(key),
	})
	require.NoError(t, err)
	uploadID := aws.ToString(out.UploadId)
	fx.s3.uploads[uploadID].parts[1] = []byte("aaaa")

	row := &models.S3UploadProgress{
		JobID:         fx.job.ID,
		LocalFilePath: f.AbsPath,
		S3Key:         key,
		UploadID:      uploadID,
		PartSize:      4,
		TotalParts:    3,
		TotalBytes:    f.Size,
		Status:        models.S3ProgressInProgress,
	}
	require.NoError(t, fx.store.SaveS3Progress(ctx, row))

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))

	require.Equal(t, []int32{1, 2, 3}, fx.s3.completed[key])
	require.Equal(t, f.Size, fx.s3.objects[key])
}

func TestS3UploadStaleUploadIDRestarts(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "fresh start")
	key := fmt.Sprintf("torrents/%d/movie.mkv", fx.job.ID)

	// Checkpoint references an upload the server no longer knows.
	row := &models.S3UploadProgress{
		JobID:      fx.job.ID,
		S3Key:      key,
		UploadID:   "upl-gone",
		PartSize:   4,
		TotalParts: 3,
		TotalBytes: f.Size,
		Status:     models.S3ProgressInProgress,
	}
	require.NoError(t, fx.store.SaveS3Progress(ctx, row))

	require.NoError(t, fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter()))
	require.Contains(t, fx.s3.completed, key)
	require.Equal(t, f.Size, fx.s3.objects[key])
}

func TestS3ProbeFailuresAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		fatal bool
	}{
		{name: "access denied", code: "AccessDenied", fatal: true},
		{name: "bad key id", code: "InvalidAccessKeyId", fatal: true},
		{name: "missing bucket", code: "NoSuchBucket", fatal: true},
		{name: "transient error", code: "SlowDown", fatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newS3Fixture(t)
			ctx := context.Background()
			f := fx.addFile(t, "movie.mkv", "data")
			fx.s3.probeErr = &smithy.GenericAPIError{Code: tt.code}

			err := fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter())
			require.Error(t, err)
			require.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestS3BadCredentialsFlagReauth(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "data")

	fx.job.StorageProfile.CredentialsJSON = `{"access_key_id":""}`

	err := fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter())
	require.Error(t, err)
	require.True(t, IsFatal(err))

	profile, perr := fx.store.GetStorageProfile(ctx, fx.job.StorageProfileID)
	require.NoError(t, perr)
	require.True(t, profile.NeedsReauth)
}

func TestS3ShortReadIsFatal(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()
	f := fx.addFile(t, "movie.mkv", "short")
	f.Size = 100 // the file on disk is smaller than claimed

	err := fx.exec.Upload(ctx, fx.job, []LocalFile{f}, fx.reporter())
	require.Error(t, err)
	require.True(t, IsFatal(err))
}

func TestS3CleanupAbortsInProgressUploads(t *testing.T) {
	fx := newS3Fixture(t)
	ctx := context.Background()

	out, err := fx.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String("backups"), Key: aws.String("torrents/1/a.bin"),
	})
	require.NoError(t, err)
	uploadID := aws.ToString(out.UploadId)

	row := &models.S3UploadProgress{
		JobID:    fx.job.ID,
		S3Key:    "torrents/1/a.bin",
		UploadID: uploadID,
		Status:   models.S3ProgressInProgress,
	}
	require.NoError(t, fx.store.SaveS3Progress(ctx, row))

	fx.exec.Cleanup(ctx, fx.job)
	require.Equal(t, []string{uploadID}, fx.s3.aborted)
}
