package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mindhaven/callkit/internal/auth"
	"github.com/mindhaven/callkit/internal/util"
)

// Publisher POSTs finished-call records to the platform backend so the
// counselor dashboard sees session history. Publishing is fire-and-forget:
// a failure is logged and the record stays local.
type Publisher struct {
	url    string
	tokens auth.TokenSource
	client *http.Client
}

// NewPublisher returns nil when url is empty, which disables publishing.
func NewPublisher(url string, tokens auth.TokenSource) *Publisher {
	if url == "" {
		return nil
	}
	return &Publisher{
		url:    url,
		tokens: tokens,
		client: &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// Publish sends one record. Demo calls are never published.
func (p *Publisher) Publish(ctx context.Context, r Record) error {
	if p == nil {
		return nil
	}
	if r.Demo {
		return nil
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.tokens != nil {
		if token, err := p.tokens.Token(); err == nil && token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("post record: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend returned %s", resp.Status)
	}
	log.Debugf("CALL [%s]: published to backend", r.CallID)
	return nil
}

// PublishAsync runs Publish on its own goroutine with a fresh deadline.
func (p *Publisher) PublishAsync(r Record) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.Publish(ctx, r); err != nil {
			log.Warnf("CALL [%s]: publish failed: %v", r.CallID, err)
		}
	}()
}
