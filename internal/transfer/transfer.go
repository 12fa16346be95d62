// Package transfer moves compressed files to their destination over HTTP, either as a
// direct PUT to a per-file URL or as a multipart POST to a collection endpoint.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"time"
)

// Logger mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// ErrTimeout is returned when a transfer exceeds its time budget.
var ErrTimeout = errors.New("transfer timed out")

// DefaultTimeout is the per-file transfer budget; batch posts scale it by file count.
const DefaultTimeout = 120 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request rejected (status %d): %s", e.Code, e.Body)
}

// Progress receives the transferred fraction in [0, 1].
type Progress = func(fraction float64)

// Credential returns the bearer token for the own backend, or "" for none.
type Credential func(ctx context.Context) (string, error)

// File is one local file to send.
type File struct {
	Path        string
	Name        string
	ContentType string
}

// Client performs transfers.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
	// BackendHost is the host of the system's own backend. Requests to it carry the
	// bearer credential; requests to any other host (pre-signed storage) never do.
	BackendHost string
	Credential  Credential
	Log         Logger
}

// New creates a transfer client for the backend at backendURL.
func New(backendURL string, cred Credential, log Logger) *Client {
	host := ""
	if u, err := url.Parse(backendURL); err == nil {
		host = u.Host
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Client{
		HTTP:        &http.Client{},
		Timeout:     DefaultTimeout,
		BackendHost: host,
		Credential:  cred,
		Log:         log,
	}
}

// Put sends the file body to dest with a single PUT.
func (c *Client) Put(ctx context.Context, dest string, f File, progress Progress) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer fh.Close()
	fi, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", f.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body := &progressReader{r: fh, total: fi.Size(), fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Type", f.ContentType)
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	_, err = c.do(ctx, req)
	return err
}

// PostMultipart sends files as repeated form parts named field and returns the
// response body. The time budget is the per-file timeout times len(files).
func (c *Client) PostMultipart(ctx context.Context, endpoint, field string, files []File, progress Progress) ([]byte, error) {
	var total int64
	for _, f := range files {
		fi, err := os.Stat(f.Path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f.Name, err)
		}
		total += fi.Size()
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout*time.Duration(max(len(files), 1)))
	defer cancel()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &progressReader{total: total, fn: progress}
	go func() {
		pw.CloseWithError(writeParts(mw, field, files, counter))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		pr.Close()
		return nil, err
	}
	body, err := c.do(ctx, req)
	pr.Close()
	return body, err
}

// PostJSON sends a JSON body and returns the response body.
func (c *Client) PostJSON(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

func writeParts(mw *multipart.Writer, field string, files []File, counter *progressReader) error {
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
		h.Set("Content-Type", f.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		fh, err := os.Open(f.Path)
		if err != nil {
			return err
		}
		counter.r = fh
		_, err = io.Copy(part, counter)
		fh.Close()
		if err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Credential == nil || c.BackendHost == "" || req.URL.Host != c.BackendHost {
		return nil
	}
	token, err := c.Credential(ctx)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %s %s", ErrTimeout, time.Since(start).Round(time.Millisecond), req.Method, req.URL.Redacted())
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.Log.Debugf("transfer: %s %s status=%d dur=%s", req.Method, req.URL.Host, resp.StatusCode, time.Since(start).Round(time.Millisecond))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(truncate(body, 512)))}
	}
	return body, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// progressReader reports cumulative bytes read across the readers it wraps.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	fn    Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.fn != nil && p.total > 0 {
			p.fn(min(1, float64(p.read)/float64(p.total)))
		}
	}
	return n, err
}
