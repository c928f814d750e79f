package model

import "strings"

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// The lifecycle is pending -> processing -> completed|failed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// Model sets
type ModelSet string

const (
	// ModelSetPrimary runs inference inside long-lived model containers.
	ModelSetPrimary ModelSet = "set1"
	// ModelSetAlternate runs inference through the in-process library sidecar.
	ModelSetAlternate ModelSet = "set2"
)

// ParseModelSet accepts both the set names and their role aliases.
func ParseModelSet(s string) (ModelSet, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "set1", "primary":
		return ModelSetPrimary, true
	case "set2", "alternate":
		return ModelSetAlternate, true
	default:
		return "", false
	}
}

// Voice types
type VoiceType string

const (
	VoiceFemale VoiceType = "female"
	VoiceMale   VoiceType = "male"
)

var ValidVoiceTypes = []VoiceType{VoiceFemale, VoiceMale}
