package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelworks/foreman/internal/domain"
)

// HTTPInvoker invokes workers over HTTP POST. The scheduler awaits every
// call in the foreground; the timeout only bounds how long a single worker
// call may run before it counts as a transport failure.
type HTTPInvoker struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPInvoker creates an invoker against a worker host endpoint. A zero
// timeout means calls wait as long as the worker takes.
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Invoker = (*HTTPInvoker)(nil)

// Invoke POSTs the request to /invoke/<stage> and decodes the outcome.
func (c *HTTPInvoker) Invoke(ctx context.Context, req *domain.WorkerRequest) (*domain.WorkerOutcome, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal worker request: %v", domain.ErrTransport, err)
	}

	url := fmt.Sprintf("%s/invoke/%s", c.baseURL, req.Stage)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Session-ID", req.SessionID)
	httpReq.Header.Set("X-Group-ID", req.GroupID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to invoke worker: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: worker returned status %d: %s", domain.ErrTransport, resp.StatusCode, string(bodyBytes))
	}

	var outcome domain.WorkerOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, fmt.Errorf("%w: failed to decode worker outcome: %v", domain.ErrTransport, err)
	}
	return &outcome, nil
}
