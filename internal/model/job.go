package model

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Note keys written into Parameters.Notes during a job's life.
const (
	NoteFallbackFrom   = "fallback_from"
	NoteFallbackReason = "fallback_reason"
	NoteBeatMixPath    = "beat_mix_path"
	NoteFailureReason  = "failure_reason"
	NoteBackend        = "backend"
	NoteSeeds          = "seeds"
)

// Job is one unit of generation work and the record of its outcome.
type Job struct {
	ID             string            `json:"id"`
	Status         JobStatus         `json:"status"`
	InputFile      string            `json:"inputFile,omitempty"`
	OutputFile     string            `json:"outputFile,omitempty"`
	Parameters     Parameters        `json:"parameters"`
	VariantResults map[string]string `json:"variantResults,omitempty"`
	RemoteURLs     map[string]string `json:"remoteUrls,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Parameters holds the generation settings chosen at submission plus notes
// appended while the job runs.
type Parameters struct {
	Seed      int64             `json:"seed"`
	Seeds     []int64           `json:"seeds,omitempty"`
	StartTime float64           `json:"startTime"`
	BPM       float64           `json:"bpm"`
	ModelSet  ModelSet          `json:"modelSet"`
	VoiceType VoiceType         `json:"voiceType"`
	BatchSize int               `json:"batchSize"`
	Notes     map[string]string `json:"notes,omitempty"`
}

// Beat returns the beat hint carried by the parameters.
func (p Parameters) Beat() BeatHint {
	return BeatHint{StartTime: p.StartTime, BPM: p.BPM}
}

// SeedList returns one seed per requested variant.
func (p Parameters) SeedList() []int64 {
	if len(p.Seeds) > 0 {
		return p.Seeds
	}
	return []int64{p.Seed}
}

// IsBatch reports whether more than one variant was requested.
func (p Parameters) IsBatch() bool {
	return p.BatchSize > 1
}

// BeatHint is an optional start time and tempo forwarded to melody
// generation. Both zero means automatic beat estimation.
type BeatHint struct {
	StartTime float64
	BPM       float64
}

// IsAuto reports whether beat estimation is left to the model.
func (h BeatHint) IsAuto() bool {
	return h.StartTime == 0 && h.BPM == 0
}

// Validate enforces that start time and tempo are given together.
func (h BeatHint) Validate() error {
	if h.StartTime < 0 || h.BPM < 0 {
		return fmt.Errorf("%w: start time and bpm must not be negative", ErrInvalidParameters)
	}
	if (h.StartTime > 0) != (h.BPM > 0) {
		return fmt.Errorf("%w: start time and bpm must be given together", ErrInvalidParameters)
	}
	return nil
}

// NewJob builds a pending job with a time-ordered id.
func NewJob(params Parameters, now time.Time) *Job {
	return &Job{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Status:     JobStatusPending,
		Parameters: params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so stores never hand out shared maps.
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters.Seeds = append([]int64(nil), j.Parameters.Seeds...)
	c.Parameters.Notes = maps.Clone(j.Parameters.Notes)
	c.VariantResults = maps.Clone(j.VariantResults)
	c.RemoteURLs = maps.Clone(j.RemoteURLs)
	return &c
}

// Duration is the wall time between creation and the last update.
func (j *Job) Duration() time.Duration {
	return j.UpdatedAt.Sub(j.CreatedAt)
}

// JobUpdate is a partial change to a job. Nil fields are left untouched.
type JobUpdate struct {
	Status         *JobStatus
	InputFile      *string
	OutputFile     *string
	VariantResults map[string]string
	RemoteURLs     map[string]string
	Notes          map[string]string
}

// StatusUpdate is a shorthand for a status-only update.
func StatusUpdate(s JobStatus) JobUpdate {
	return JobUpdate{Status: &s}
}

// Apply validates u against the job's lifecycle rules and mutates j in
// place. On error j is left unchanged.
func (j *Job) Apply(u JobUpdate, now time.Time) error {
	next := j.Status
	if u.Status != nil && *u.Status != j.Status {
		if !CanTransition(j.Status, *u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, *u.Status)
		}
		next = *u.Status
	}

	if u.InputFile != nil && j.InputFile != "" && j.InputFile != *u.InputFile {
		return ErrInputFileImmutable
	}

	completing := next == JobStatusCompleted && j.Status != JobStatusCompleted
	if u.OutputFile != nil && !completing {
		return ErrOutputWithoutDone
	}
	if completing && (u.OutputFile == nil || *u.OutputFile == "") {
		return ErrOutputWithoutDone
	}

	if u.InputFile != nil {
		j.InputFile = *u.InputFile
	}
	if u.OutputFile != nil {
		j.OutputFile = *u.OutputFile
	}
	if u.VariantResults != nil {
		j.VariantResults = maps.Clone(u.VariantResults)
	}
	if u.RemoteURLs != nil {
		j.RemoteURLs = maps.Clone(u.RemoteURLs)
	}
	if len(u.Notes) > 0 {
		if j.Parameters.Notes == nil {
			j.Parameters.Notes = make(map[string]string, len(u.Notes))
		}
		maps.Copy(j.Parameters.Notes, u.Notes)
	}
	j.Status = next
	j.UpdatedAt = now
	return nil
}
