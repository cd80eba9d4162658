// Package models defines the persisted entities of the job pipeline.
// Enums are stored as strings; list-typed columns are stored as JSON text
// because SQLite has no native array type.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the phase of a job in the pipeline state machine.
type JobStatus string

const (
	StatusQueued               JobStatus = "QUEUED"
	StatusDownloading          JobStatus = "DOWNLOADING"
	StatusTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	StatusTorrentFailed        JobStatus = "TORRENT_FAILED"
	StatusPendingUpload        JobStatus = "PENDING_UPLOAD"
	StatusUploading            JobStatus = "UPLOADING"
	StatusUploadRetry          JobStatus = "UPLOAD_RETRY"
	StatusUploadFailed         JobStatus = "UPLOAD_FAILED"
	StatusCompleted            JobStatus = "COMPLETED"
	StatusCancelled            JobStatus = "CANCELLED"
	StatusFailed               JobStatus = "FAILED"
)

// IsTerminal reports whether no further transitions out of the status are
// allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTorrentFailed, StatusUploadFailed, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether a worker is expected to be driving the job.
func (s JobStatus) IsActive() bool {
	return s == StatusDownloading || s == StatusUploading
}

// JobType distinguishes workload classes.
type JobType string

const (
	JobTypeTorrent JobType = "Torrent"
)

// ProviderType identifies the cloud object store a profile targets.
type ProviderType string

const (
	ProviderGoogleDrive ProviderType = "GoogleDrive"
	ProviderS3          ProviderType = "S3"
)

// TransitionSource records who performed a status transition.
type TransitionSource string

const (
	SourceWorker        TransitionSource = "Worker"
	SourceHealthMonitor TransitionSource = "HealthMonitor"
	SourceUser          TransitionSource = "User"
	SourceSystem        TransitionSource = "System"
)

// UserJob is the root aggregate: one torrent request moving through the
// download and upload phases.
type UserJob struct {
	ID               uint `gorm:"primaryKey"`
	UserID           uint `gorm:"index"`
	StorageProfileID uint
	RequestFileID    uint

	Status JobStatus `gorm:"index"`
	Type   JobType

	BytesDownloaded int64
	TotalBytes      int64
	BytesUploaded   int64
	CurrentState    string
	ErrorMessage    string

	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	NextRetryAt   *time.Time

	// Opaque handles into the background-execution engine.
	HangfireJobID       string
	HangfireUploadJobID string

	// SelectedFilePaths holds the JSON-serialized list of selected relative
	// paths/prefixes; empty means "all files".
	SelectedFilePaths string

	// DownloadPath is the absolute job directory under block storage; set
	// exactly once by the download worker.
	DownloadPath string

	RequestFile    *RequestFile        `gorm:"foreignKey:RequestFileID"`
	StorageProfile *UserStorageProfile `gorm:"foreignKey:StorageProfileID"`
}

// Selection decodes SelectedFilePaths. A nil result means all files.
func (j *UserJob) Selection() []string {
	if j.SelectedFilePaths == "" {
		return nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(j.SelectedFilePaths), &paths); err != nil {
		return nil
	}
	return paths
}

// SetSelection encodes the given paths into SelectedFilePaths.
func (j *UserJob) SetSelection(paths []string) error {
	if paths == nil {
		j.SelectedFilePaths = ""
		return nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	j.SelectedFilePaths = string(data)
	return nil
}

// RequestFile describes the torrent descriptor behind a job. DirectURL may be
// a local filesystem path or an HTTP URL.
type RequestFile struct {
	ID        uint `gorm:"primaryKey"`
	UserID    uint
	FileName  string
	DirectURL string
	CreatedAt time.Time
}

// UserStorageProfile holds a user's cloud destination and its opaque
// credential blob.
type UserStorageProfile struct {
	ID              uint `gorm:"primaryKey"`
	UserID          uint `gorm:"index"`
	ProviderType    ProviderType
	CredentialsJSON string
	IsActive        bool
	NeedsReauth     bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Usable reports whether the uploader may be invoked with this profile.
func (p *UserStorageProfile) Usable() bool {
	return p.IsActive && !p.NeedsReauth
}

// GDriveCredentials is the decoded structure of a GoogleDrive profile blob.
type GDriveCredentials struct {
	ClientID     string     `json:"client_id"`
	ClientSecret string     `json:"client_secret"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// S3Credentials is the decoded structure of an S3 profile blob.
type S3Credentials struct {
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
	Region      string `json:"region"`
	Bucket      string `json:"bucket"`
}

// JobStatusHistory is the append-only audit trail of status transitions.
type JobStatusHistory struct {
	ID           uint `gorm:"primaryKey"`
	JobID        uint `gorm:"index"`
	FromStatus   JobStatus
	ToStatus     JobStatus
	Source       TransitionSource
	ErrorMessage string
	MetadataJSON string
	ChangedAt    time.Time
}

// S3ProgressStatus is the lifecycle of a per-file multipart upload record.
type S3ProgressStatus string

const (
	S3ProgressInProgress S3ProgressStatus = "InProgress"
	S3ProgressCompleted  S3ProgressStatus = "Completed"
	S3ProgressFailed     S3ProgressStatus = "Failed"
)

// S3UploadProgress checkpoints one file's multipart upload so an interrupted
// run can resume at the next part boundary. Rows are deleted on completion.
type S3UploadProgress struct {
	ID             uint   `gorm:"primaryKey"`
	JobID          uint   `gorm:"index:idx_s3_progress_job_key"`
	LocalFilePath  string
	S3Key          string `gorm:"index:idx_s3_progress_job_key"`
	UploadID       string
	PartSize       int64
	TotalParts     int
	PartsCompleted int
	BytesUploaded  int64
	TotalBytes     int64

	// PartETags holds the JSON-serialized ordered list of completed parts.
	PartETags string

	Status      S3ProgressStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// PartETag is one completed multipart part. Part numbers are 1-based.
type PartETag struct {
	PartNumber int32  `json:"part_number"`
	ETag       string `json:"etag"`
}

// ETags decodes the PartETags column.
func (p *S3UploadProgress) ETags() ([]PartETag, error) {
	if p.PartETags == "" {
		return nil, nil
	}
	var tags []PartETag
	if err := json.Unmarshal([]byte(p.PartETags), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// SetETags encodes tags into the PartETags column and keeps PartsCompleted in
// sync with the list length.
func (p *S3UploadProgress) SetETags(tags []PartETag) error {
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	p.PartETags = string(data)
	p.PartsCompleted = len(tags)
	return nil
}
