// Package httpbridge talks to the two HTTP sidecars a deployment runs next to
// postpipe: the content API that writes manuscripts and images, and the
// browser automation service that logs in and publishes.
package httpbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"postpipe/internal/domain"
	"postpipe/pkg/logx"
)

const maxErrorBody = 512

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// client is the shared JSON-over-HTTP plumbing. Requests are paced by a
// token bucket so a burst of generate jobs does not hammer the sidecar.
type client struct {
	base string
	http *http.Client
	lim  *rate.Limiter
	log  logx.Logger
}

func newClient(base string, timeout time.Duration, rps float64, burst int, log logx.Logger) *client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
		lim:  lim,
		log:  log,
	}
}

// postJSON sends in as JSON and decodes the response into out (when non-nil).
// Transport failures, 429 and 5xx are marked transient; other statuses come
// back as *StatusError for the caller to classify.
func (c *client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	if err := c.lim.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.WithKind(errors.Wrapf(err, "POST %s", path), domain.ErrTransient)
	}
	defer resp.Body.Close()
	c.log.Debug("sidecar call",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Message: readMessage(resp.Body)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.WithKind(errors.Wrapf(serr, "POST %s", path), domain.ErrTransient)
		}
		return errors.Wrapf(serr, "POST %s", path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

// readMessage pulls a human message out of an error body: the "message" or
// "error" field of a JSON object, else the trimmed text.
func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return strings.TrimSpace(string(b))
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
