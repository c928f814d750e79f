package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/melodygen/internal/generation"
	"github.com/makeasinger/melodygen/internal/logging"
	"github.com/makeasinger/melodygen/internal/model"
	"github.com/makeasinger/melodygen/internal/service"
	"github.com/makeasinger/melodygen/internal/store"
	"github.com/makeasinger/melodygen/internal/worker"
)

func newTestApp(t *testing.T) (*fiber.App, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	svc := service.NewJobService(st, generation.Layout{SharedDir: t.TempDir()}, logging.Nop())
	h := NewJobHandler(svc, validator.New())

	app := fiber.New()
	app.Post("/api/jobs", h.Submit)
	app.Get("/api/jobs", h.List)
	app.Get("/api/jobs/:jobId", h.Status)
	app.Get("/api/jobs/:jobId/result", h.Result)
	return app, st
}

func multipartRequest(t *testing.T, fields map[string]string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if content != nil {
		part, err := w.CreateFormFile("file", "track.wav")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v), string(data))
}

func TestSubmitAccepted(t *testing.T) {
	app, st := newTestApp(t)

	resp, err := app.Test(multipartRequest(t, map[string]string{
		"startTime": "2.5",
		"bpm":       "128",
		"seed":      "99",
		"modelSet":  "set2",
		"voiceType": "male",
		"batchSize": "2",
	}, []byte("RIFF")))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var out model.SubmitJobResponse
	decode(t, resp, &out)
	assert.Equal(t, model.JobStatusPending, out.Status)

	job, err := st.Get(context.Background(), out.JobID)
	require.NoError(t, err)
	assert.Equal(t, 128.0, job.Parameters.BPM)
	assert.Equal(t, 2.5, job.Parameters.StartTime)
	assert.Equal(t, model.ModelSetAlternate, job.Parameters.ModelSet)
	assert.Equal(t, model.VoiceMale, job.Parameters.VoiceType)
	require.Len(t, job.Parameters.Seeds, 2)
	assert.Equal(t, int64(99), job.Parameters.Seeds[0])
}

func TestSubmitValidation(t *testing.T) {
	cases := map[string]struct {
		fields  map[string]string
		content []byte
	}{
		"missing file":     {fields: map[string]string{}},
		"empty file":       {fields: map[string]string{}, content: []byte{}},
		"bpm out of range": {fields: map[string]string{"bpm": "900", "startTime": "1"}, content: []byte("x")},
		"unknown voice":    {fields: map[string]string{"voiceType": "robot"}, content: []byte("x")},
		"half beat hint":   {fields: map[string]string{"startTime": "3"}, content: []byte("x")},
		"negative seed":    {fields: map[string]string{"seed": "-4"}, content: []byte("x")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			app, st := newTestApp(t)
			resp, err := app.Test(multipartRequest(t, tc.fields, tc.content))
			require.NoError(t, err)
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

			jobs, err := st.ListRecent(context.Background(), 10)
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func submitJob(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp, err := app.Test(multipartRequest(t, map[string]string{}, []byte("x")))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	var out model.SubmitJobResponse
	decode(t, resp, &out)
	return out.JobID
}

func TestStatusAndResult(t *testing.T) {
	app, st := newTestApp(t)
	id := submitJob(t, app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var status model.JobStatusResponse
	decode(t, resp, &status)
	assert.Equal(t, model.JobStatusPending, status.Status)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	ctx := context.Background()
	ok, err := st.Claim(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	completed := model.JobStatusCompleted
	output := "/shared/vocal_results_set1/job_" + id + "/mix.wav"
	_, err = st.Update(ctx, id, model.JobUpdate{Status: &completed, OutputFile: &output})
	require.NoError(t, err)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/result", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var result model.JobResultResponse
	decode(t, resp, &result)
	assert.Equal(t, output, result.OutputFile)
}

func TestStatusWaitTimesOut(t *testing.T) {
	app, _ := newTestApp(t)
	id := submitJob(t, app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"?wait=1", nil), 5000)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var status model.JobStatusResponse
	decode(t, resp, &status)
	assert.Equal(t, model.JobStatus("timeout"), status.Status)
}

func TestUnknownJob(t *testing.T) {
	app, _ := newTestApp(t)

	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/result"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode, path)
	}
}

func TestList(t *testing.T) {
	app, _ := newTestApp(t)
	for i := 0; i < 3; i++ {
		submitJob(t, app)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/jobs?limit=2", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []model.JobSummary `json:"jobs"`
	}
	decode(t, resp, &out)
	assert.Len(t, out.Jobs, 2)
}

func TestHealth(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	broken := func(context.Context) error { return errors.New("down") }

	cases := []struct {
		name   string
		h      *HealthHandler
		code   int
		status string
	}{
		{"ok", NewHealthHandler(healthy, worker.HealthCheck{Name: "set1", Check: healthy}), fiber.StatusOK, "ok"},
		{"degraded", NewHealthHandler(healthy, worker.HealthCheck{Name: "set2", Check: broken}), fiber.StatusOK, "degraded"},
		{"unhealthy", NewHealthHandler(broken), fiber.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/health", tc.h.Check)

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
			require.NoError(t, err)
			assert.Equal(t, tc.code, resp.StatusCode)
			var out map[string]interface{}
			decode(t, resp, &out)
			assert.Equal(t, tc.status, out["status"])
		})
	}
}
