package generation

import (
	"fmt"
	"path/filepath"

	"github.com/makeasinger/melodygen/internal/model"
)

// Artifact file names written by the backends.
const (
	MelodyFile  = "melody.mid"
	MixFile     = "mix.wav"
	VocalFile   = "vocal.wav"
	BeatMixFile = "beat_mixed_synth_mix.wav"
)

// Layout maps jobs onto directories of the shared volume.
type Layout struct {
	SharedDir string
}

func jobDirName(jobID string) string {
	return fmt.Sprintf("job_%s", jobID)
}

// InputDir holds a job's uploaded backing track.
func (l Layout) InputDir(jobID string) string {
	return filepath.Join(l.SharedDir, "input", jobDirName(jobID))
}

// InputPath is where the upload named name is stored.
func (l Layout) InputPath(jobID, name string) string {
	return filepath.Join(l.InputDir(jobID), fmt.Sprintf("%s_%s", jobDirName(jobID), filepath.Base(name)))
}

func (l Layout) MelodyDir(set model.ModelSet, jobID string) string {
	return filepath.Join(l.SharedDir, fmt.Sprintf("melody_results_%s", set), jobDirName(jobID))
}

func (l Layout) VocalDir(set model.ModelSet, jobID string) string {
	return filepath.Join(l.SharedDir, fmt.Sprintf("vocal_results_%s", set), jobDirName(jobID))
}

// VariantDirs returns one directory per variant under base. A single
// variant uses base itself.
func VariantDirs(base string, n int) []string {
	if n <= 1 {
		return []string{base}
	}
	dirs := make([]string, n)
	for i := range dirs {
		dirs[i] = filepath.Join(base, VariantLabel(i))
	}
	return dirs
}

// VariantLabel names the i-th variant (zero based) as variant_<i+1>.
func VariantLabel(i int) string {
	return fmt.Sprintf("variant_%d", i+1)
}

// Trees returns the directories uploaded for a job, keyed by category.
func (l Layout) Trees(set model.ModelSet, jobID string) map[string]string {
	return map[string]string{
		"input":  l.InputDir(jobID),
		"melody": l.MelodyDir(set, jobID),
		"vocal":  l.VocalDir(set, jobID),
	}
}
