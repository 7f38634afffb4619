package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Snapier494/mediacache/internal/fingerprint"
	"github.com/Snapier494/mediacache/internal/pipeline"
)

const defaultMaxBodySize = 32 << 20 // 32 MiB

// HTTPFetcher is the default transport: a plain net/http client with a
// timeout and a response size cap. The surrounding engine can replace
// it with its own transport through the pipeline's Fetcher interface.
type HTTPFetcher struct {
	client      *http.Client
	maxBodySize int64
}

func NewHTTPFetcher(timeout time.Duration, maxBodySize int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}

	return &HTTPFetcher{
		client:      &http.Client{Timeout: timeout},
		maxBodySize: maxBodySize,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *fingerprint.Request) (*pipeline.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &pipeline.Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		FromCache:  resp.Header.Get("X-From-Cache") != "",
	}, nil
}
