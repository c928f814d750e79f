package model

import "time"

// SubmitJobRequest is the form body of a job submission. The uploaded file
// travels separately as multipart data.
type SubmitJobRequest struct {
	StartTime     float64 `form:"startTime" validate:"gte=0"`
	BPM           float64 `form:"bpm" validate:"gte=0,lte=400"`
	Seed          int64   `form:"seed" validate:"gte=0"`
	RandomizeSeed bool    `form:"randomizeSeed"`
	ModelSet      string  `form:"modelSet" validate:"omitempty,oneof=set1 set2 primary alternate"`
	VoiceType     string  `form:"voiceType" validate:"omitempty,oneof=female male"`
	BatchSize     int     `form:"batchSize" validate:"gte=0,lte=8"`
}

// SubmitJobResponse is returned when a job has been accepted.
type SubmitJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse describes a job's progress.
type JobStatusResponse struct {
	JobID      string     `json:"jobId"`
	Status     JobStatus  `json:"status"`
	Parameters Parameters `json:"parameters"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Duration   string     `json:"duration"`
}

// JobResultResponse carries the artifacts of a completed job.
type JobResultResponse struct {
	JobID          string            `json:"jobId"`
	OutputFile     string            `json:"outputFile"`
	VariantResults map[string]string `json:"variantResults,omitempty"`
	RemoteURLs     map[string]string `json:"remoteUrls,omitempty"`
	BeatMixPath    string            `json:"beatMixPath,omitempty"`
}

// JobSummary is one row of the recent jobs listing.
type JobSummary struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	ModelSet  ModelSet  `json:"modelSet"`
	BatchSize int       `json:"batchSize"`
	CreatedAt time.Time `json:"createdAt"`
	Duration  string    `json:"duration"`
}
