package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Preloader asks the document-analysis backend to warm the retrieval context
// for a session before streaming starts. The call is fire-and-forget: a
// session proceeds without preloaded context if it fails.
type Preloader struct {
	baseURL string
	http    *http.Client
}

func NewPreloader(baseURL string) *Preloader {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil
	}
	return &Preloader{
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// InitializeContext primes loan-document context for sessionID.
func (p *Preloader) InitializeContext(ctx context.Context, sessionID string) error {
	body, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/sessions/context", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("context preload: status %d", resp.StatusCode)
	}
	return nil
}
