package generation

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/makeasinger/melodygen/internal/model"
)

// Probe reports which prerequisites of the alternate backend are missing.
type Probe interface {
	Probe(ctx context.Context) []string
}

// CapabilityLister reports the library packages an engine has loaded.
type CapabilityLister interface {
	Capabilities(ctx context.Context) ([]string, error)
}

// Prerequisite is a filesystem path that must exist.
type Prerequisite struct {
	Name string
	Path string
}

// PrerequisiteProbe checks library packages and on-disk assets.
type PrerequisiteProbe struct {
	lister   CapabilityLister
	packages []string
	paths    []Prerequisite
}

// NewAlternateProbe checks what the alternate backend needs: both library
// packages, the vendor SDK, the model checkpoint and the model config.
func NewAlternateProbe(lister CapabilityLister, sdkPath, checkpointPath, configPath string) *PrerequisiteProbe {
	return &PrerequisiteProbe{
		lister:   lister,
		packages: []string{"melody_generation", "vocalmix"},
		paths: []Prerequisite{
			{Name: "Dreamtonics SDK", Path: sdkPath},
			{Name: "model checkpoint", Path: checkpointPath},
			{Name: "model config", Path: configPath},
		},
	}
}

func (p *PrerequisiteProbe) Probe(ctx context.Context) []string {
	var missing []string

	var loaded []string
	if p.lister != nil {
		loaded, _ = p.lister.Capabilities(ctx)
	}
	for _, pkg := range p.packages {
		if !slices.Contains(loaded, pkg) {
			missing = append(missing, pkg+" package")
		}
	}
	for _, pre := range p.paths {
		if pre.Path == "" {
			missing = append(missing, pre.Name)
			continue
		}
		if _, err := os.Stat(pre.Path); err != nil {
			missing = append(missing, pre.Name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Selection is the backend chosen for one job.
type Selection struct {
	Backend        Backend
	Requested      model.ModelSet
	FallbackReason string
	Missing        []string
}

// FellBack reports whether the alternate backend was requested but the
// primary one was chosen.
func (s Selection) FellBack() bool {
	return s.FallbackReason != ""
}

// ModelSet is the set of the chosen backend.
func (s Selection) ModelSet() model.ModelSet {
	return s.Backend.ModelSet()
}

// Selector picks the backend for a job from the requested model set and
// the alternate backend's prerequisites.
type Selector struct {
	primary   Backend
	alternate Backend
	probe     Probe
}

func NewSelector(primary, alternate Backend, probe Probe) *Selector {
	return &Selector{primary: primary, alternate: alternate, probe: probe}
}

func (s *Selector) Select(ctx context.Context, requested model.ModelSet) Selection {
	if requested != model.ModelSetAlternate {
		return Selection{Backend: s.primary, Requested: requested}
	}

	var missing []string
	switch {
	case s.alternate == nil:
		missing = []string{"alternate backend"}
	case s.probe != nil:
		missing = s.probe.Probe(ctx)
	}
	if len(missing) == 0 {
		return Selection{Backend: s.alternate, Requested: requested}
	}

	return Selection{
		Backend:        s.primary,
		Requested:      requested,
		FallbackReason: "missing prerequisites: " + strings.Join(missing, ", "),
		Missing:        missing,
	}
}
