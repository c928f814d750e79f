package generation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/melodygen/internal/client"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
)

type execCall struct {
	container string
	command   []string
}

type fakeExecutor struct {
	running map[string]bool
	execErr error
	// failSeed makes only the exec carrying this --gen_seed value fail.
	failSeed string
	// onExec runs for every successful exec.
	onExec func(command []string)

	mu    sync.Mutex
	calls []execCall
}

func (f *fakeExecutor) IsRunning(_ context.Context, container string) (bool, error) {
	return f.running[container], nil
}

func (f *fakeExecutor) Exec(_ context.Context, container string, command []string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{container: container, command: command})
	f.mu.Unlock()
	if f.failSeed != "" && argValue(command, "--gen_seed") == f.failSeed {
		return "", errors.New("exit status 1")
	}
	if f.execErr != nil {
		return "", f.execErr
	}
	if f.onExec != nil {
		f.onExec(command)
	}
	return "ok", nil
}

func argValue(command []string, flag string) string {
	for i := 0; i+1 < len(command); i++ {
		if command[i] == flag {
			return command[i+1]
		}
	}
	return ""
}

func TestContainerBackendPingPerStage(t *testing.T) {
	exec := &fakeExecutor{running: map[string]bool{"melody-generation-set1": true}}
	b := NewContainerBackend(exec, "melody-generation-set1", "vocal-mix-set1", logging.Nop())

	assert.NoError(t, b.Ping(context.Background(), StageMelody))
	err := b.Ping(context.Background(), StageVocals)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vocal-mix-set1")
}

func TestContainerBackendMelodyCommand(t *testing.T) {
	exec := &fakeExecutor{}
	b := NewContainerBackend(exec, "melody-generation-set1", "vocal-mix-set1", logging.Nop())

	paths, err := b.GenerateMelody(context.Background(), MelodyRequest{
		Input:      "/shared/input/job_1/job_1_song.wav",
		Checkpoint: "/app/checkpoints/checkpoint.pth",
		Seeds:      []int64{11, 22},
		OutputDirs: []string{"/out/variant_1", "/out/variant_2"},
		Beat:       model.BeatHint{StartTime: 1.5, BPM: 120},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/out/variant_1/melody.mid", "/out/variant_2/melody.mid"}, paths)
	require.Len(t, exec.calls, 2)

	first := exec.calls[0]
	assert.Equal(t, "melody-generation-set1", first.container)
	assert.Equal(t, []string{
		"uv", "run", "melody_generation.py",
		"--load_path", "/app/checkpoints/checkpoint.pth",
		"--bgm_filepath", "/shared/input/job_1/job_1_song.wav",
		"--gen_seed", "11",
		"--output_dir", "/out/variant_1",
		"--one_shot_generation",
		"--output_beat_estimation_mix",
		"--output_synth_demo",
		"--start_time", "1.5",
		"--bpm", "120",
	}, first.command)
	assert.Contains(t, exec.calls[1].command, "22")
}

func TestContainerBackendAutoBeatOmitsHints(t *testing.T) {
	exec := &fakeExecutor{}
	b := NewContainerBackend(exec, "m", "v", logging.Nop())

	_, err := b.GenerateMelody(context.Background(), MelodyRequest{Seeds: []int64{1}, OutputDirs: []string{"/o"}})
	require.NoError(t, err)
	assert.NotContains(t, exec.calls[0].command, "--start_time")
	assert.NotContains(t, exec.calls[0].command, "--bpm")
}

func TestContainerBackendVocalCommand(t *testing.T) {
	exec := &fakeExecutor{}
	b := NewContainerBackend(exec, "m", "vocal-mix-set1", logging.Nop())

	mix, err := b.SynthesizeVocals(context.Background(), VocalRequest{
		Original:  "/in.wav",
		Melody:    "/m/melody.mid",
		OutputDir: "/v",
		Voice:     model.VoiceMale,
	})
	require.NoError(t, err)
	assert.Equal(t, "/v/mix.wav", mix)
	assert.Equal(t, []string{
		"uv", "run", "make_vocalmix.py",
		"--bgm_filepath", "/in.wav",
		"--melody_filepath", "/m/melody.mid",
		"--all_la",
		"--sex", "male",
		"--write_dirpath", "/v",
	}, exec.calls[0].command)
}

func TestContainerBackendExecFailure(t *testing.T) {
	exec := &fakeExecutor{execErr: errors.New("exit status 1")}
	b := NewContainerBackend(exec, "m", "v", logging.Nop())

	_, err := b.GenerateMelody(context.Background(), MelodyRequest{Seeds: []int64{9}, OutputDirs: []string{"/o"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed 9")
}

func TestContainerBackendSeedFailureKeepsOtherSeeds(t *testing.T) {
	exec := &fakeExecutor{failSeed: "2"}
	b := NewContainerBackend(exec, "m", "v", logging.Nop())

	paths, err := b.GenerateMelody(context.Background(), MelodyRequest{
		Seeds:      []int64{1, 2, 3},
		OutputDirs: []string{"/o/variant_1", "/o/variant_2", "/o/variant_3"},
	})
	require.NoError(t, err)
	assert.Len(t, exec.calls, 3)
	assert.Equal(t, []string{
		"/o/variant_1/melody.mid",
		"/o/variant_2/melody.mid",
		"/o/variant_3/melody.mid",
	}, paths)
}

func TestContainerBackendEverySeedFails(t *testing.T) {
	exec := &fakeExecutor{execErr: errors.New("exit status 137")}
	b := NewContainerBackend(exec, "m", "v", logging.Nop())

	_, err := b.GenerateMelody(context.Background(), MelodyRequest{
		Seeds:      []int64{4, 5},
		OutputDirs: []string{"/o/variant_1", "/o/variant_2"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed 4")
	assert.Contains(t, err.Error(), "seed 5")
	assert.Len(t, exec.calls, 2)
}

// A failing seed in a container batch costs only its own variant once the
// invoker waits for the artifacts the other seeds wrote.
func TestRunContainerBatchSurvivesSeedFailure(t *testing.T) {
	dir := t.TempDir()
	exec := &fakeExecutor{
		running:  map[string]bool{"m": true, "v": true},
		failSeed: "2",
		onExec: func(command []string) {
			if out := argValue(command, "--output_dir"); out != "" {
				_ = os.WriteFile(filepath.Join(out, MelodyFile), []byte("midi"), 0o644)
				return
			}
			_ = os.WriteFile(filepath.Join(argValue(command, "--write_dirpath"), MixFile), []byte("wav"), 0o644)
		},
	}
	b := NewContainerBackend(exec, "m", "v", logging.Nop())
	inv := NewInvoker(b, Waiter{Attempts: 1}, 0, logging.Nop())

	res, err := inv.Run(context.Background(), Selection{Backend: b}, Plan{
		JobID:     "j3",
		Input:     writeInput(t, dir),
		Seeds:     []int64{1, 2, 3},
		MelodyDir: filepath.Join(dir, "melody"),
		VocalDir:  filepath.Join(dir, "vocal"),
	})
	require.NoError(t, err)
	require.Len(t, res.Variants, 3)
	assert.True(t, res.Variants[0].Succeeded())
	assert.False(t, res.Variants[1].Succeeded())
	var notProduced *ArtifactNotProducedError
	assert.ErrorAs(t, res.Variants[1].Err, &notProduced)
	assert.True(t, res.Variants[2].Succeeded())
}

// fakeEngine writes its outputs to a scratch directory the way the library
// does, leaving the backend to copy them into place.
type fakeEngine struct {
	scratch string
	health  client.InferenceHealth
	lastReq *client.MelodyRequest
}

func (f *fakeEngine) Health(context.Context) (*client.InferenceHealth, error) {
	h := f.health
	return &h, nil
}

func (f *fakeEngine) GenerateMelody(_ context.Context, req *client.MelodyRequest) (*client.MelodyResponse, error) {
	f.lastReq = req
	resp := &client.MelodyResponse{}
	for i := range req.Seeds {
		p := filepath.Join(f.scratch, "melody_"+string(rune('a'+i))+".mid")
		if err := os.WriteFile(p, []byte("midi"), 0o644); err != nil {
			return nil, err
		}
		resp.Paths = append(resp.Paths, p)
	}
	beat := filepath.Join(f.scratch, "beat.wav")
	if err := os.WriteFile(beat, []byte("wav"), 0o644); err != nil {
		return nil, err
	}
	resp.BeatMixPath = beat
	return resp, nil
}

func (f *fakeEngine) VocalMix(_ context.Context, req *client.VocalMixRequest) (*client.VocalMixResponse, error) {
	mix := filepath.Join(f.scratch, "out_mix.wav")
	vocal := filepath.Join(f.scratch, "out_vocal.wav")
	if err := os.WriteFile(mix, []byte("mix"), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(vocal, []byte("vocal"), 0o644); err != nil {
		return nil, err
	}
	return &client.VocalMixResponse{MixPath: mix, VocalPath: vocal}, nil
}

func TestLibraryBackendPlacesBatchOutputs(t *testing.T) {
	dir := t.TempDir()
	engine := &fakeEngine{scratch: t.TempDir(), health: client.InferenceHealth{Status: "ok"}}
	b := NewLibraryBackend(engine, "/ckpt", "/cfg", logging.Nop())

	save := filepath.Join(dir, "melody")
	outDirs := VariantDirs(save, 2)
	for _, d := range outDirs {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	paths, err := b.GenerateMelody(context.Background(), MelodyRequest{
		Input:      "/in.wav",
		Seeds:      []int64{3, 4},
		SaveDir:    save,
		OutputDirs: outDirs,
	})
	require.NoError(t, err)
	for _, p := range paths {
		assert.FileExists(t, p)
	}
	assert.FileExists(t, filepath.Join(save, BeatMixFile))
	assert.Equal(t, 2, engine.lastReq.BatchSize)
	assert.Equal(t, "/cfg", engine.lastReq.ConfigPath)
	assert.Zero(t, engine.lastReq.BPM)
}

func TestLibraryBackendVocals(t *testing.T) {
	out := t.TempDir()
	engine := &fakeEngine{scratch: t.TempDir(), health: client.InferenceHealth{Status: "ok"}}
	b := NewLibraryBackend(engine, "", "", logging.Nop())

	mix, err := b.SynthesizeVocals(context.Background(), VocalRequest{Original: "/in.wav", Melody: "/m.mid", OutputDir: out, Voice: model.VoiceFemale})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, MixFile), mix)
	assert.FileExists(t, mix)
	assert.FileExists(t, filepath.Join(out, VocalFile))
}

func TestLibraryBackendPing(t *testing.T) {
	engine := &fakeEngine{health: client.InferenceHealth{Status: "loading"}}
	b := NewLibraryBackend(engine, "", "", logging.Nop())
	assert.Error(t, b.Ping(context.Background(), StageMelody))

	engine.health.Status = "ok"
	assert.NoError(t, b.Ping(context.Background(), StageMelody))
}

func TestLayout(t *testing.T) {
	l := Layout{SharedDir: "/shared_data"}
	assert.Equal(t, "/shared_data/input/job_abc", l.InputDir("abc"))
	assert.Equal(t, "/shared_data/input/job_abc/job_abc_song.wav", l.InputPath("abc", "../../song.wav"))
	assert.Equal(t, "/shared_data/melody_results_set2/job_abc", l.MelodyDir(model.ModelSetAlternate, "abc"))
	assert.Equal(t, "/shared_data/vocal_results_set1/job_abc", l.VocalDir(model.ModelSetPrimary, "abc"))
	assert.Equal(t, []string{"/o"}, VariantDirs("/o", 1))
	assert.Equal(t, []string{"/o/variant_1", "/o/variant_2"}, VariantDirs("/o", 2))
}
