package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Probe issues status-code/content-type checks against a running instance.
type Probe struct {
	client *http.Client
}

// NewProbe creates a probe. insecureTLS accepts development certificates.
func NewProbe(timeout time.Duration, insecureTLS bool) *Probe {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Probe{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// ProbeResult records what a probe observed.
type ProbeResult struct {
	URL         string
	StatusCode  int
	ContentType string
}

// AssertStatusCode requests baseURL+path once and checks the status code and
// the content-type prefix. The Accept header is set to contentType.
func (p *Probe) AssertStatusCode(ctx context.Context, baseURL, path string, want int, contentType string) (*ProbeResult, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	if contentType != "" {
		req.Header.Set("Accept", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &HarnessError{
			Kind:  KindVerification,
			Step:  "probe " + path,
			Msg:   fmt.Sprintf("request to %s failed", url),
			Cause: err,
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	result := &ProbeResult{
		URL:         url,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if resp.StatusCode != want {
		return result, VerificationFailure("probe "+path+" status", strconv.Itoa(want), strconv.Itoa(resp.StatusCode))
	}
	if contentType != "" && !strings.HasPrefix(strings.ToLower(result.ContentType), strings.ToLower(contentType)) {
		return result, VerificationFailure("probe "+path+" content-type", contentType, result.ContentType)
	}
	return result, nil
}

// IsReady reports whether url answers with a non-5xx status.
func (p *Probe) IsReady(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
