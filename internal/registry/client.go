package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/normanking/voicemoded/internal/voicetypes"
)

// Client is a generic OpenAI-compatible HTTP client shared by every
// configured endpoint, parameterized by endpoint data instead of compiled
// into one struct per vendor.
type Client struct {
	http *http.Client
}

// NewClient builds a Client with the given per-attempt timeout.
func NewClient(perAttemptTimeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: perAttemptTimeout}}
}

// SpeechRequest is the body posted to POST {base_url}/audio/speech.
type SpeechRequest struct {
	Model          string  `json:"model,omitempty"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice,omitempty"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize posts text to ep's /audio/speech endpoint and returns the raw
// audio bytes in the requested response_format.
func (c *Client) Synthesize(ctx context.Context, ep voicetypes.ProviderEndpoint, req SpeechRequest) ([]byte, error) {
	body, reader, err := c.SynthesizeStream(ctx, ep, req)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	_ = body
	if err != nil {
		return nil, fmt.Errorf("registry: read speech response: %w", err)
	}
	return data, nil
}

// SynthesizeStream posts the same request as Synthesize but returns the live
// response body, letting the caller time the first byte read (the
// TTS_FIRST_AUDIO boundary) instead of waiting for the full payload.
func (c *Client) SynthesizeStream(ctx context.Context, ep voicetypes.ProviderEndpoint, req SpeechRequest) (*http.Response, io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: marshal speech request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("registry: build speech request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if ep.AuthBearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.AuthBearer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: speech request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, nil, fmt.Errorf("registry: speech endpoint %s returned %d: %s", ep.ID, resp.StatusCode, string(data))
	}
	return resp, resp.Body, nil
}

// TranscribeResult is the parsed response from POST {base_url}/audio/transcriptions.
type TranscribeResult struct {
	Text string `json:"text"`
}

// Transcribe posts already-encoded audio bytes unchanged to ep's
// /audio/transcriptions endpoint as the "file" part (named audio.wav) of a
// multipart/form-data envelope, plus a "model" field when model is set.
func (c *Client) Transcribe(ctx context.Context, ep voicetypes.ProviderEndpoint, model string, wavData []byte) (TranscribeResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: write audio data: %w", err)
	}
	if model != "" {
		if err := writer.WriteField("model", model); err != nil {
			return TranscribeResult{}, fmt.Errorf("registry: write model field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: build transcribe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if ep.AuthBearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+ep.AuthBearer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: transcribe request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: read transcribe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TranscribeResult{}, fmt.Errorf("registry: transcribe endpoint %s returned %d: %s", ep.ID, resp.StatusCode, string(data))
	}

	var result TranscribeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return TranscribeResult{}, fmt.Errorf("registry: parse transcribe response: %w", err)
	}
	return result, nil
}

// ProbeTTS performs the cheap health check described in the Provider
// Registry component: a 1-character synthesis into memory.
func ProbeTTS(client *Client) func(context.Context, *voicetypes.ProviderEndpoint) error {
	return func(ctx context.Context, ep *voicetypes.ProviderEndpoint) error {
		_, err := client.Synthesize(ctx, *ep, SpeechRequest{Input: ".", ResponseFormat: "wav"})
		return err
	}
}

// ProbeSTT performs the cheap health check for STT endpoints: an
// empty-audio transcription request. An error response from the server
// still counts as a success signal, since it proves the endpoint is live;
// only a request that never gets an answer fails the probe.
func ProbeSTT(client *Client) func(context.Context, *voicetypes.ProviderEndpoint) error {
	return func(ctx context.Context, ep *voicetypes.ProviderEndpoint) error {
		_, err := client.Transcribe(ctx, *ep, "", nil)
		if err == nil {
			return nil
		}
		// Refused connections, timeouts and bad URLs surface as *url.Error;
		// any other error means the server answered the empty request.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return err
		}
		return nil
	}
}
