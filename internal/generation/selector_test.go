package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/melodygen/internal/model"
)

type staticProbe []string

func (p staticProbe) Probe(context.Context) []string { return p }

type fakeLister struct {
	caps []string
	err  error
}

func (f fakeLister) Capabilities(context.Context) ([]string, error) { return f.caps, f.err }

func TestSelectPrimaryRequested(t *testing.T) {
	primary := &fakeBackend{set: model.ModelSetPrimary}
	alternate := &fakeBackend{set: model.ModelSetAlternate}
	s := NewSelector(primary, alternate, staticProbe(nil))

	sel := s.Select(context.Background(), model.ModelSetPrimary)
	assert.Same(t, primary, sel.Backend)
	assert.False(t, sel.FellBack())
}

func TestSelectAlternateWhenReady(t *testing.T) {
	primary := &fakeBackend{set: model.ModelSetPrimary}
	alternate := &fakeBackend{set: model.ModelSetAlternate}
	s := NewSelector(primary, alternate, staticProbe(nil))

	sel := s.Select(context.Background(), model.ModelSetAlternate)
	assert.Same(t, alternate, sel.Backend)
	assert.Equal(t, model.ModelSetAlternate, sel.ModelSet())
	assert.False(t, sel.FellBack())
}

func TestSelectFallsBackWithReason(t *testing.T) {
	primary := &fakeBackend{set: model.ModelSetPrimary}
	alternate := &fakeBackend{set: model.ModelSetAlternate}
	s := NewSelector(primary, alternate, staticProbe{"Dreamtonics SDK", "model config"})

	sel := s.Select(context.Background(), model.ModelSetAlternate)
	assert.Same(t, primary, sel.Backend)
	assert.True(t, sel.FellBack())
	assert.Equal(t, model.ModelSetAlternate, sel.Requested)
	assert.Equal(t, []string{"Dreamtonics SDK", "model config"}, sel.Missing)
	assert.Contains(t, sel.FallbackReason, "Dreamtonics SDK")
	assert.Contains(t, sel.FallbackReason, "model config")
}

func TestSelectWithoutAlternateBackend(t *testing.T) {
	primary := &fakeBackend{set: model.ModelSetPrimary}
	s := NewSelector(primary, nil, nil)

	sel := s.Select(context.Background(), model.ModelSetAlternate)
	assert.Same(t, primary, sel.Backend)
	assert.True(t, sel.FellBack())
}

func TestAlternateProbe(t *testing.T) {
	dir := t.TempDir()
	sdk := filepath.Join(dir, "sdk")
	ckpt := filepath.Join(dir, "checkpoints")
	require.NoError(t, os.Mkdir(sdk, 0o755))
	require.NoError(t, os.Mkdir(ckpt, 0o755))

	p := NewAlternateProbe(fakeLister{caps: []string{"melody_generation"}}, sdk, ckpt, filepath.Join(dir, "configs"))
	assert.Equal(t, []string{"model config", "vocalmix package"}, p.Probe(context.Background()))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "configs"), 0o755))
	p = NewAlternateProbe(fakeLister{caps: []string{"melody_generation", "vocalmix"}}, sdk, ckpt, filepath.Join(dir, "configs"))
	assert.Empty(t, p.Probe(context.Background()))
}

func TestAlternateProbeUnreachableEngine(t *testing.T) {
	dir := t.TempDir()
	p := NewAlternateProbe(fakeLister{err: errors.New("connection refused")}, dir, dir, dir)
	assert.Equal(t, []string{"melody_generation package", "vocalmix package"}, p.Probe(context.Background()))
}
