package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/makeasinger/melodygen/internal/model"
)

// jobRow is the jobs table layout.
type jobRow struct {
	ID             string            `gorm:"primaryKey;type:text"`
	Status         string            `gorm:"type:text;not null;index"`
	InputFile      string            `gorm:"type:text"`
	OutputFile     *string           `gorm:"type:text"`
	Parameters     model.Parameters  `gorm:"type:jsonb;serializer:json"`
	VariantResults map[string]string `gorm:"type:jsonb;serializer:json"`
	RemoteURLs     map[string]string `gorm:"column:remote_urls;type:jsonb;serializer:json"`
	CreatedAt      time.Time         `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt      time.Time         `gorm:"not null;autoUpdateTime:false"`
}

func (jobRow) TableName() string { return "jobs" }

func rowFromJob(job *model.Job) *jobRow {
	row := &jobRow{
		ID:             job.ID,
		Status:         string(job.Status),
		InputFile:      job.InputFile,
		Parameters:     job.Parameters,
		VariantResults: job.VariantResults,
		RemoteURLs:     job.RemoteURLs,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}
	if job.OutputFile != "" {
		out := job.OutputFile
		row.OutputFile = &out
	}
	return row
}

func (r *jobRow) toJob() *model.Job {
	job := &model.Job{
		ID:             r.ID,
		Status:         model.JobStatus(r.Status),
		InputFile:      r.InputFile,
		Parameters:     r.Parameters,
		VariantResults: r.VariantResults,
		RemoteURLs:     r.RemoteURLs,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.OutputFile != nil {
		job.OutputFile = *r.OutputFile
	}
	return job
}

// Postgres stores jobs in a relational table through gorm. Claims are a
// conditional UPDATE; other updates lock the row for the read-modify-write.
type Postgres struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects and migrates the jobs table.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgres(db)
}

func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return &Postgres{db: db, now: time.Now}, nil
}

// Ping checks the underlying connection.
func (s *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Postgres) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rowFromJob(job))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toJob(), nil
}

func (s *Postgres) Update(ctx context.Context, id string, u model.JobUpdate) (*model.Job, error) {
	var updated *model.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		job := row.toJob()
		if err := job.Apply(u, s.now()); err != nil {
			return err
		}
		if err := tx.Save(rowFromJob(job)).Error; err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) Claim(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ?", id, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     model.JobStatusProcessing,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Postgres) ListPending(ctx context.Context) ([]*model.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ?", model.JobStatusPending).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return toJobs(rows), nil
}

func (s *Postgres) ListRecent(ctx context.Context, n int) ([]*model.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}
	return toJobs(rows), nil
}

func toJobs(rows []jobRow) []*model.Job {
	jobs := make([]*model.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs
}
