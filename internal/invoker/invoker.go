// Package invoker performs the outbound HTTP request of a single job firing
// with a bounded timeout and bounded response capture. It never returns an
// error to the caller: every failure mode is folded into the Outcome.
package invoker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/edvin/cronmaster/internal/model"
)

const (
	// DefaultTimeout is the wall-clock budget from connection attempt to
	// response receipt.
	DefaultTimeout = 30 * time.Second

	// DefaultBodyLimit caps captured response bodies at 10 KiB.
	DefaultBodyLimit = 10240

	// DefaultUserAgent is sent when the job template has no User-Agent.
	DefaultUserAgent = "CronMaster/1.0"

	maxRedirects = 5
)

// Request is a snapshot of a job's request template. The dispatcher takes the
// snapshot before firing so concurrent job updates cannot tear it.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    *string
}

// Outcome is the structured result of one invocation.
type Outcome struct {
	Status          string // success, failed, timeout, cancelled
	ResponseCode    *int
	ResponseBody    *string
	ResponseHeaders map[string]string
	Duration        time.Duration
	ErrorMessage    *string
}

// Invoker executes request templates. Safe for concurrent use.
type Invoker struct {
	client    *http.Client
	timeout   time.Duration
	bodyLimit int64
	userAgent string
}

// Config tunes an Invoker; zero values take the defaults above.
type Config struct {
	Timeout   time.Duration
	BodyLimit int64
	UserAgent string
}

func New(cfg Config) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Invoker{
		client: &http.Client{
			// net/http strips Authorization on cross-origin redirects, which
			// is exactly the forwarding policy we want; this only caps depth.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		timeout:   cfg.Timeout,
		bodyLimit: cfg.BodyLimit,
		userAgent: cfg.UserAgent,
	}
}

// Do emits exactly one HTTP invocation of the template and reports the
// outcome. Cancellation of ctx yields a cancelled outcome; expiry of the
// invoker's own budget yields a timeout.
func (iv *Invoker) Do(ctx context.Context, req Request) Outcome {
	ctx, cancel := context.WithTimeout(ctx, iv.timeout)
	defer cancel()

	start := time.Now()

	httpReq, err := iv.buildRequest(ctx, req)
	if err != nil {
		return failure(model.ExecutionStatusFailed, start, fmt.Sprintf("build request: %v", err))
	}

	resp, err := iv.client.Do(httpReq)
	if err != nil {
		return iv.classifyTransportError(ctx, start, err)
	}
	defer resp.Body.Close()

	outcome := Outcome{
		ResponseCode:    &resp.StatusCode,
		ResponseHeaders: flattenHeaders(resp.Header),
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, iv.bodyLimit+1))
	if int64(len(body)) > iv.bodyLimit {
		body = body[:iv.bodyLimit]
	}
	captured := string(body)
	outcome.ResponseBody = &captured
	outcome.Duration = time.Since(start)

	if readErr != nil {
		msg := fmt.Sprintf("%s: %v", model.ErrorReasonReadError, readErr)
		outcome.Status = model.ExecutionStatusFailed
		outcome.ErrorMessage = &msg
		return outcome
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Status = model.ExecutionStatusSuccess
		return outcome
	}

	msg := fmt.Sprintf("%s: HTTP status %d", model.ErrorReasonNon2xx, resp.StatusCode)
	outcome.Status = model.ExecutionStatusFailed
	outcome.ErrorMessage = &msg
	return outcome
}

func (iv *Invoker) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	var contentType string
	if req.Body != nil && methodCarriesBody(req.Method) {
		payload := *req.Body
		if trimmed := strings.TrimSpace(payload); json.Valid([]byte(trimmed)) && trimmed != "" {
			payload = trimmed
			contentType = "application/json"
		} else {
			contentType = "application/octet-stream"
		}
		bodyReader = strings.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}

	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", iv.userAgent)
	}
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, nil
}

// classifyTransportError folds a transport failure into the error taxonomy.
func (iv *Invoker) classifyTransportError(ctx context.Context, start time.Time, err error) Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return failure(model.ExecutionStatusTimeout, start,
			fmt.Sprintf("%s: request exceeded %s", model.ErrorReasonTimeout, iv.timeout))
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return Outcome{Status: model.ExecutionStatusCancelled, Duration: time.Since(start)}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure(model.ExecutionStatusFailed, start,
			fmt.Sprintf("%s: %v", model.ErrorReasonDNSFailure, dnsErr))
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return failure(model.ExecutionStatusFailed, start,
			fmt.Sprintf("%s: %v", model.ErrorReasonConnRefused, err))
	}
	if isTLSError(err) {
		return failure(model.ExecutionStatusFailed, start,
			fmt.Sprintf("%s: %v", model.ErrorReasonTLSFailure, err))
	}
	return failure(model.ExecutionStatusFailed, start, err.Error())
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	return errors.As(err, &recordErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthErr) ||
		errors.As(err, &hostnameErr)
}

func failure(status string, start time.Time, msg string) Outcome {
	return Outcome{
		Status:       status,
		Duration:     time.Since(start),
		ErrorMessage: &msg,
	}
}

func methodCarriesBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// flattenHeaders joins repeated header values the way they would appear on
// the wire.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}
