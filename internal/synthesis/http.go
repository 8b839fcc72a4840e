package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures an OpenAI-compatible speech endpoint.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *http.Client
}

type httpProvider struct {
	cfg HTTPConfig
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

func NewHTTPProvider(cfg HTTPConfig) Provider {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	return &httpProvider{cfg: cfg}
}

func (p *httpProvider) Synthesize(ctx context.Context, req PieceRequest) (PieceAudio, error) {
	body, err := json.Marshal(speechRequest{
		Model:          p.cfg.Model,
		Input:          req.Text,
		Voice:          req.Voice,
		Speed:          req.Speed,
		ResponseFormat: "wav",
	})
	if err != nil {
		return PieceAudio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PieceAudio{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.cfg.Client.Do(httpReq)
	if err != nil {
		return PieceAudio{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PieceAudio{}, fmt.Errorf("speech API error: %s - %s", resp.Status, string(respBody))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return PieceAudio{}, fmt.Errorf("read speech response: %w", err)
	}
	return withDuration(data, 0)
}
