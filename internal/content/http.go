package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPResolver fetches http(s) references, for example assets produced by the
// generation service or served through its download proxy.
type HTTPResolver struct {
	client *http.Client
	apiKey string
}

func NewHTTPResolver(timeout time.Duration, apiKey string) *HTTPResolver {
	return &HTTPResolver{
		client: &http.Client{Timeout: timeout},
		apiKey: apiKey,
	}
}

func (h *HTTPResolver) Resolve(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, unavailable(ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, unavailable(ref, fmt.Errorf("http status %d", resp.StatusCode))
	}
	return resp.Body, nil
}
