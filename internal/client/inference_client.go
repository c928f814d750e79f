package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/makeasinger/melodygen/internal/config"
)

// InferenceEngine is the in-process inference library, reached through the
// sidecar that hosts it on the same machine
type InferenceEngine interface {
	Health(ctx context.Context) (*InferenceHealth, error)
	GenerateMelody(ctx context.Context, req *MelodyRequest) (*MelodyResponse, error)
	VocalMix(ctx context.Context, req *VocalMixRequest) (*VocalMixResponse, error)
}

// InferenceClient implements InferenceEngine over HTTP
type InferenceClient struct {
	httpClient *http.Client
	baseURL    string
}

// InferenceHealth reports which library packages the sidecar has loaded
type InferenceHealth struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// MelodyRequest asks the library for one melody per seed
type MelodyRequest struct {
	BGMPath       string  `json:"bgm_path"`
	SaveDir       string  `json:"save_dir"`
	Seeds         []int64 `json:"seeds,omitempty"`
	BatchSize     int     `json:"batch_size"`
	StartTime     float64 `json:"start_time,omitempty"`
	BPM           float64 `json:"bpm,omitempty"`
	ConfigPath    string  `json:"config_path,omitempty"`
	CheckpointDir string  `json:"checkpoint_dir,omitempty"`
}

// MelodyResponse lists the generated MIDI files in seed order
type MelodyResponse struct {
	Paths       []string `json:"paths"`
	BeatMixPath string   `json:"beat_mix_path,omitempty"`
}

// VocalMixRequest asks the library to sing a melody over the backing track
type VocalMixRequest struct {
	BGMPath    string `json:"bgm_path"`
	MelodyPath string `json:"melody_path"`
	Sex        string `json:"sex"`
	AllLa      bool   `json:"all_la"`
	SaveDir    string `json:"save_dir"`
}

// VocalMixResponse points at the files the library wrote
type VocalMixResponse struct {
	VocalPath string `json:"vocal_path"`
	MixPath   string `json:"mix_path"`
}

// NewInferenceClient creates a new sidecar client
func NewInferenceClient(cfg *config.InferenceConfig) *InferenceClient {
	return &InferenceClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// Health returns the sidecar status and loaded capabilities
func (c *InferenceClient) Health(ctx context.Context) (*InferenceHealth, error) {
	var result InferenceHealth
	if err := c.do(ctx, http.MethodGet, "/health", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateMelody runs melody generation for every seed in one call
func (c *InferenceClient) GenerateMelody(ctx context.Context, req *MelodyRequest) (*MelodyResponse, error) {
	var result MelodyResponse
	if err := c.do(ctx, http.MethodPost, "/melody", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VocalMix runs vocal synthesis for one melody
func (c *InferenceClient) VocalMix(ctx context.Context, req *VocalMixRequest) (*VocalMixResponse, error) {
	var result VocalMixResponse
	if err := c.do(ctx, http.MethodPost, "/vocalmix", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *InferenceClient) IsConfigured() bool {
	return c.baseURL != ""
}

func (c *InferenceClient) do(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inference service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
