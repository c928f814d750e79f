package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/makeasinger/melodygen/internal/generation"
	"github.com/makeasinger/melodygen/internal/metrics"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/store"
)

const (
	// DefaultRecentLimit is the number of jobs listed when no limit is given.
	DefaultRecentLimit = 10
	maxRecentLimit     = 100
	maxSeed            = 10000
	maxBatchSize       = 8

	// StatusTimeout is reported by WaitForTerminal when a job is still
	// running at the end of the wait. It is never stored on a job.
	StatusTimeout = "timeout"
)

var (
	ErrJobNotCompleted = errors.New("job not completed")
	ErrEmptyUpload     = fmt.Errorf("%w: uploaded file is empty", model.ErrInvalidParameters)
)

// SubmitRequest is a validated form plus the uploaded backing track.
type SubmitRequest struct {
	Params   model.SubmitJobRequest
	FileName string
	File     io.Reader
}

// JobService is the submission and observation side of the job lifecycle.
type JobService struct {
	store  store.Store
	layout generation.Layout
	log    *zerolog.Logger
	now    func() time.Time
	randN  func(n int64) int64
}

func NewJobService(st store.Store, layout generation.Layout, log *zerolog.Logger) *JobService {
	return &JobService{
		store:  st,
		layout: layout,
		log:    log,
		now:    time.Now,
		randN:  rand.Int64N,
	}
}

// Submit stores the upload on the shared volume and creates a pending job
// for it. Invalid parameters are rejected before anything is written.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*model.SubmitJobResponse, error) {
	params, err := s.resolveParameters(req.Params)
	if err != nil {
		return nil, err
	}
	if req.File == nil {
		return nil, fmt.Errorf("%w: file is required", model.ErrInvalidParameters)
	}

	job := model.NewJob(params, s.now())
	path := s.layout.InputPath(job.ID, req.FileName)
	if err := saveUpload(path, req.File); err != nil {
		_ = os.RemoveAll(s.layout.InputDir(job.ID))
		return nil, err
	}
	job.InputFile = path

	if err := s.store.Create(ctx, job); err != nil {
		_ = os.RemoveAll(s.layout.InputDir(job.ID))
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	metrics.IncSubmitted(string(params.ModelSet))
	s.log.Info().
		Str("job_id", job.ID).
		Str("model_set", string(params.ModelSet)).
		Int("batch_size", params.BatchSize).
		Str("input_file", path).
		Msg("job submitted")

	return &model.SubmitJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

func (s *JobService) resolveParameters(req model.SubmitJobRequest) (model.Parameters, error) {
	set, ok := model.ParseModelSet(req.ModelSet)
	if !ok {
		return model.Parameters{}, fmt.Errorf("%w: unknown model set %q", model.ErrInvalidParameters, req.ModelSet)
	}
	voice := model.VoiceType(req.VoiceType)
	if voice == "" {
		voice = model.VoiceFemale
	}
	if !slices.Contains(model.ValidVoiceTypes, voice) {
		return model.Parameters{}, fmt.Errorf("%w: unknown voice type %q", model.ErrInvalidParameters, req.VoiceType)
	}
	if req.BatchSize < 0 || req.BatchSize > maxBatchSize {
		return model.Parameters{}, fmt.Errorf("%w: batch size must be between 1 and %d", model.ErrInvalidParameters, maxBatchSize)
	}
	if req.Seed < 0 {
		return model.Parameters{}, fmt.Errorf("%w: seed must not be negative", model.ErrInvalidParameters)
	}
	beat := model.BeatHint{StartTime: req.StartTime, BPM: req.BPM}
	if err := beat.Validate(); err != nil {
		return model.Parameters{}, err
	}

	batch := max(req.BatchSize, 1)
	seed := req.Seed
	if req.RandomizeSeed {
		seed = s.randN(maxSeed + 1)
	}
	params := model.Parameters{
		Seed:      seed,
		StartTime: req.StartTime,
		BPM:       req.BPM,
		ModelSet:  set,
		VoiceType: voice,
		BatchSize: batch,
	}
	if batch > 1 {
		params.Seeds = make([]int64, batch)
		for i := range params.Seeds {
			if i == 0 && seed != 0 {
				params.Seeds[i] = seed
				continue
			}
			params.Seeds[i] = s.randN(maxSeed) + 1
		}
	}
	return params, nil
}

func saveUpload(path string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create input dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create input file: %w", err)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to save input file: %w", err)
	}
	if n == 0 {
		return ErrEmptyUpload
	}
	return nil
}

func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.JobStatusResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Parameters: job.Parameters,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		Duration:   displayDuration(job),
	}, nil
}

func (s *JobService) GetResult(ctx context.Context, id string) (*model.JobResultResponse, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusCompleted {
		return nil, ErrJobNotCompleted
	}
	return ResultOf(job), nil
}

// ResultOf renders the artifacts of a completed job.
func ResultOf(job *model.Job) *model.JobResultResponse {
	return &model.JobResultResponse{
		JobID:          job.ID,
		OutputFile:     job.OutputFile,
		VariantResults: job.VariantResults,
		RemoteURLs:     job.RemoteURLs,
		BeatMixPath:    job.Parameters.Notes[model.NoteBeatMixPath],
	}
}

// ListRecent returns the newest jobs first. A non-positive limit means
// DefaultRecentLimit.
func (s *JobService) ListRecent(ctx context.Context, limit int) ([]model.JobSummary, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	jobs, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, model.JobSummary{
			JobID:     job.ID,
			Status:    job.Status,
			ModelSet:  job.Parameters.ModelSet,
			BatchSize: job.Parameters.BatchSize,
			CreatedAt: job.CreatedAt,
			Duration:  displayDuration(job),
		})
	}
	return out, nil
}

// WaitForTerminal polls a job until it completes or fails, checking at
// most attempts times. It returns the last observed job and either its
// terminal status or StatusTimeout.
func (s *JobService) WaitForTerminal(ctx context.Context, id string, interval time.Duration, attempts int) (*model.Job, string, error) {
	attempts = max(attempts, 1)
	for i := 0; ; i++ {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if job.Status.IsTerminal() {
			return job, string(job.Status), nil
		}
		if i == attempts-1 {
			return job, StatusTimeout, nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return job, StatusTimeout, nil
		case <-t.C:
		}
	}
}

func displayDuration(job *model.Job) string {
	if !job.Status.IsTerminal() {
		return "In progress"
	}
	return FormatDuration(job.Duration())
}

// FormatDuration renders d with one decimal, e.g. "42.0 seconds" or
// "1.5 hours".
func FormatDuration(d time.Duration) string {
	secs := d.Seconds()
	switch {
	case secs < 60:
		return fmt.Sprintf("%.1f seconds", secs)
	case secs < 3600:
		return fmt.Sprintf("%.1f minutes", secs/60)
	default:
		return fmt.Sprintf("%.1f hours", secs/3600)
	}
}
