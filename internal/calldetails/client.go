package calldetails

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
)

// maxBody bounds how much of a call-details response is read.
const maxBody = 4 << 20

var ErrEmptyBody = errors.New("empty call details body")

// StatusError is returned for non-2xx responses without a JSON body.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("call details status %d: %s", e.Code, e.Body)
}

// Client reads post-call analysis from GET {base}/call-details?call_id=<id>.
// It makes exactly one request per Fetch; retrying is the poller's job.
type Client struct {
	base       string
	httpClient *http.Client
	log        *logrus.Entry
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.New().Component("calldetails"),
	}
}

// Fetch returns the raw JSON body for callID. The request is bound to ctx so
// cancelling the poll aborts it.
func (c *Client) Fetch(ctx context.Context, callID string) ([]byte, error) {
	u, err := url.Parse(c.base + "/call-details")
	if err != nil {
		return nil, fmt.Errorf("call details url: %w", err)
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build call details request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call details request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read call details body: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"call_id":     callID,
		"http_status": resp.StatusCode,
		"body_len":    len(body),
	}).Debug("call details response")

	// The endpoint has no status contract: any JSON body, whatever the status,
	// is handed to the readiness check. The status is only logged above.
	body = bytes.TrimSpace(body)
	if len(body) > 0 && json.Valid(body) {
		return body, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return nil, fmt.Errorf("call details body is not JSON: %s", truncate(string(body), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
