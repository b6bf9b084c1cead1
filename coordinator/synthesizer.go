package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"guided-audio-stream/shared"
)

// maxSpeechBytes bounds a synthesized voice track.
const maxSpeechBytes = 256 << 20

// Synthesizer turns script text into voice audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice shared.VoiceConfig) ([]byte, error)
}

// SpeechClient calls an OpenAI-compatible /v1/audio/speech endpoint.
type SpeechClient struct {
	apiBase    string
	apiKey     string
	model      string
	voice      string
	format     string
	httpClient *http.Client
}

type speechRequest struct {
	Model  string  `json:"model"`
	Input  string  `json:"input"`
	Voice  string  `json:"voice"`
	Format string  `json:"response_format,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
}

// NewSpeechClient creates a TTS client from configuration.
func NewSpeechClient(cfg shared.TTSConfig) *SpeechClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	format := cfg.Format
	if format == "" {
		format = "mp3"
	}
	return &SpeechClient{
		apiBase:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		voice:      cfg.Voice,
		format:     format,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Synthesize returns the encoded audio for text.
func (c *SpeechClient) Synthesize(ctx context.Context, text string, voice shared.VoiceConfig) ([]byte, error) {
	reqBody := speechRequest{
		Model:  firstNonEmpty(voice.Model, c.model),
		Input:  text,
		Voice:  firstNonEmpty(voice.Voice, c.voice),
		Format: c.format,
		Speed:  voice.Speed,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", shared.ErrSynthesis, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/v1/audio/speech", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", shared.ErrSynthesis, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", shared.ErrSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: provider status %d: %s", shared.ErrSynthesis, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxSpeechBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %w", shared.ErrSynthesis, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: provider returned no audio", shared.ErrSynthesis)
	}
	shared.Debug("speech synthesized", "chars", len(text), "bytes", len(audio), "voice", reqBody.Voice)
	return audio, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
