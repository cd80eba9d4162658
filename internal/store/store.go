// Package store provides transactional persistence for jobs, storage
// profiles, status history, and multipart upload progress.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seedrelay/seedrelay/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the database handle with typed repository methods. A Store is
// safe for concurrent use; workers that need an isolated scope (the heartbeat
// loop) should call Session.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so the heartbeat scope does not block the main execution scope.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(
		&models.UserJob{},
		&models.RequestFile{},
		&models.UserStorageProfile{},
		&models.JobStatusHistory{},
		&models.S3UploadProgress{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a private in-memory database. Used in tests.
func OpenInMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Session returns a Store backed by a fresh session over the same pool.
// The heartbeat loop uses this to avoid sharing statement state with the
// main execution.
func (s *Store) Session() *Store {
	return &Store{db: s.db.Session(&gorm.Session{NewDB: true})}
}

// Transaction runs fn inside a database transaction. The Store passed to fn
// must not escape it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

// GetJob loads a job with its request file and storage profile.
func (s *Store) GetJob(ctx context.Context, id uint) (*models.UserJob, error) {
	var job models.UserJob
	err := s.db.WithContext(ctx).
		Preload("RequestFile").
		Preload("StorageProfile").
		First(&job, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *models.UserJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// SaveJob persists all fields of an existing job.
func (s *Store) SaveJob(ctx context.Context, job *models.UserJob) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// UpdateJobFields updates a subset of columns on a job.
func (s *Store) UpdateJobFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.UserJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchHeartbeat bumps the job's last heartbeat timestamp.
func (s *Store) TouchHeartbeat(ctx context.Context, id uint, t time.Time) error {
	return s.UpdateJobFields(ctx, id, map[string]any{"last_heartbeat": t})
}

// ListStaleJobs returns jobs in any of the given statuses whose heartbeat
// (or, if none was ever written, start time) predates the cutoff.
func (s *Store) ListStaleJobs(ctx context.Context, statuses []models.JobStatus, cutoff time.Time) ([]models.UserJob, error) {
	var jobs []models.UserJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where(
			s.db.Where("last_heartbeat IS NOT NULL AND last_heartbeat < ?", cutoff).
				Or("last_heartbeat IS NULL AND started_at IS NOT NULL AND started_at < ?", cutoff),
		).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ---------------------------------------------------------------------------
// Storage profiles
// ---------------------------------------------------------------------------

// GetStorageProfile loads a profile by id.
func (s *Store) GetStorageProfile(ctx context.Context, id uint) (*models.UserStorageProfile, error) {
	var profile models.UserStorageProfile
	if err := s.db.WithContext(ctx).First(&profile, id).Error; err != nil {
		return nil, translate(err)
	}
	return &profile, nil
}

// CreateStorageProfile inserts a new profile.
func (s *Store) CreateStorageProfile(ctx context.Context, p *models.UserStorageProfile) error {
	return s.db.WithContext(ctx).Create(p).Error
}

// SaveStorageProfile persists all fields of an existing profile.
func (s *Store) SaveStorageProfile(ctx context.Context, p *models.UserStorageProfile) error {
	return s.db.WithContext(ctx).Save(p).Error
}

// MarkProfileNeedsReauth flags a profile so the uploader is not invoked with
// it again until the user re-consents.
func (s *Store) MarkProfileNeedsReauth(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&models.UserStorageProfile{}).
		Where("id = ?", id).
		Update("needs_reauth", true).Error
}

// ---------------------------------------------------------------------------
// Status history
// ---------------------------------------------------------------------------

// AppendHistory inserts an audit row. Callers performing a status transition
// must invoke this inside the same transaction as the job update.
func (s *Store) AppendHistory(ctx context.Context, h *models.JobStatusHistory) error {
	if h.ChangedAt.IsZero() {
		h.ChangedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(h).Error
}

// HistoryForJob returns the audit trail of a job, oldest first.
func (s *Store) HistoryForJob(ctx context.Context, jobID uint) ([]models.JobStatusHistory, error) {
	var rows []models.JobStatusHistory
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("changed_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

// ---------------------------------------------------------------------------
// S3 multipart progress
// ---------------------------------------------------------------------------

// GetS3Progress loads the progress row for one file of a job, or ErrNotFound.
func (s *Store) GetS3Progress(ctx context.Context, jobID uint, s3Key string) (*models.S3UploadProgress, error) {
	var row models.S3UploadProgress
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND s3_key = ?", jobID, s3Key).
		First(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// SaveS3Progress inserts or updates a progress row.
func (s *Store) SaveS3Progress(ctx context.Context, row *models.S3UploadProgress) error {
	return s.db.WithContext(ctx).Save(row).Error
}

// DeleteS3Progress removes the progress row for one file. Completing a file
// deletes its row.
func (s *Store) DeleteS3Progress(ctx context.Context, jobID uint, s3Key string) error {
	return s.db.WithContext(ctx).
		Where("job_id = ? AND s3_key = ?", jobID, s3Key).
		Delete(&models.S3UploadProgress{}).Error
}

// ListInProgressS3Uploads returns every InProgress row for a job, used to
// abort outstanding multipart uploads on executor failure.
func (s *Store) ListInProgressS3Uploads(ctx context.Context, jobID uint) ([]models.S3UploadProgress, error) {
	var rows []models.S3UploadProgress
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, models.S3ProgressInProgress).
		Find(&rows).Error
	return rows, err
}
