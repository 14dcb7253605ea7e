package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loanlens/loanlens/internal/reliability"
)

// Client talks to the avatar rendering provider over HTTP, with a websocket
// channel for the per-stream audio input. It also issues the short-lived
// session tokens the admission coordinator bundles into grants.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client

	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration
}

type ClientConfig struct {
	APIKey  string
	BaseURL string
}

func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.avatar.example.com"
	}
	return &Client{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		baseURL:       base,
		http:          &http.Client{Timeout: 15 * time.Second},
		retryAttempts: 2,
		retryBase:     200 * time.Millisecond,
		retryCap:      2 * time.Second,
	}
}

// IssueSessionToken mints a short-lived token a browser or stream client can
// use to open one avatar session. Satisfies slot.TokenIssuer.
func (c *Client) IssueSessionToken(ctx context.Context) (string, error) {
	if c.apiKey == "" {
		return "", reliability.Wrap(reliability.KindFatalConfig,
			errors.New("avatar api key is not configured"))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.post(ctx, "/v1/streaming/token", nil, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("avatar token response missing token")
	}
	return out.Token, nil
}

func (c *Client) StartStream(ctx context.Context, sessionToken string) (StreamInfo, error) {
	var out struct {
		StreamID    string `json:"stream_id"`
		PlaybackURL string `json:"playback_url"`
		Status      string `json:"status"`
	}
	in := map[string]string{"session_token": sessionToken}
	if err := c.post(ctx, "/v1/streaming/sessions", in, &out); err != nil {
		return StreamInfo{}, err
	}
	if out.Status != "started" {
		return StreamInfo{}, fmt.Errorf("avatar stream %s not confirmed: status %q", out.StreamID, out.Status)
	}
	return StreamInfo{StreamID: out.StreamID, PlaybackURL: out.PlaybackURL}, nil
}

func (c *Client) CreateAudioInput(ctx context.Context, streamID string) (AudioInput, error) {
	var out struct {
		WSURL string `json:"ws_url"`
	}
	if err := c.post(ctx, "/v1/streaming/sessions/"+streamID+"/audio-input", nil, &out); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, out.WSURL, header)
	if err != nil {
		return nil, reliability.Wrap(reliability.KindTransient, fmt.Errorf("dial avatar audio input: %w", err))
	}
	return &wsAudioInput{conn: conn}, nil
}

func (c *Client) StopStream(ctx context.Context, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/streaming/sessions/"+streamID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stop avatar stream: status %d", resp.StatusCode)
	}
	return nil
}

// post sends one JSON request, retrying server-side transient statuses with
// capped exponential backoff. Concurrency-limit and auth failures are never
// retried here: the first carries user-facing wait-and-retry guidance, the
// second needs an operator.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var payload []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = data
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		retryable, err := c.postOnce(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt >= c.retryAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(reliability.ExponentialBackoff(attempt, c.retryBase, c.retryCap)):
		}
	}
}

func (c *Client) postOnce(ctx context.Context, path string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, reliability.Wrap(reliability.KindTransient, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(data, &apiErr)
		err := fmt.Errorf("avatar api %s: status %d %s", path, resp.StatusCode, apiErr.Error)
		if reliability.IsConcurrencyLimitHTTPStatus(resp.StatusCode) || apiErr.Code == "concurrent_limit_reached" {
			return false, reliability.Wrap(reliability.KindConcurrencyLimit, err)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return false, reliability.Wrap(reliability.KindFatalConfig, err)
		}
		return reliability.IsRetryableHTTPStatus(resp.StatusCode), reliability.Wrap(reliability.KindTransient, err)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("decode avatar api response: %w", err)
		}
	}
	return false, nil
}

type wsAudioInput struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (a *wsAudioInput) SendChunk(audioBase64 string) error {
	payload, err := json.Marshal(map[string]any{
		"type":          "audio",
		"audio_base_64": audioBase64,
	})
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, payload)
}

func (a *wsAudioInput) Close() error {
	var retErr error
	a.closeOnce.Do(func() {
		retErr = a.conn.Close()
	})
	return retErr
}
