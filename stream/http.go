package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultChunkSize = 4 << 10

// HTTPSource streams the response body of a POST to an upstream URL.
type HTTPSource struct {
	url       string
	apiKey    string
	client    *http.Client
	chunkSize int
}

type HTTPOption func(*HTTPSource)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSource) {
		s.apiKey = key
	}
}

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.client = c
	}
}

func WithChunkSize(n int) HTTPOption {
	return func(s *HTTPSource) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second

	// no client timeout, it would cut off long answers
	s := &HTTPSource{
		url:       url,
		client:    &http.Client{Transport: transport},
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSource) Open(ctx context.Context, req Request) (Reader, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	return &bodyReader{body: resp.Body, buf: make([]byte, s.chunkSize)}, nil
}

type bodyReader struct {
	body io.ReadCloser
	buf  []byte
}

func (b *bodyReader) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := b.body.Read(b.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, b.buf[:n])
		return out, nil
	}
	if err == nil {
		return nil, nil
	}
	return nil, err
}

func (b *bodyReader) Close() error {
	return b.body.Close()
}
