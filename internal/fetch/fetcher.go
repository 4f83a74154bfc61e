package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultTimeout bounds a whole download, body included.
const DefaultTimeout = 300 * time.Second

// TimeoutError reports a download cancelled because its time budget ran out.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch %s: timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RemoteError reports a non-2xx response.
type RemoteError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("fetch %s: remote returned %s", e.URL, e.Status)
}

// Error wraps any other failure while requesting or storing the source.
type Error struct {
	URL string
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher downloads the remote feed to a local file.
type Fetcher struct {
	url     string
	dest    string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

type Option func(*Fetcher)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// New returns a Fetcher that downloads sourceURL into destPath.
func New(sourceURL, destPath string, opts ...Option) (*Fetcher, error) {
	if sourceURL == "" {
		return nil, errors.New("source url is required")
	}
	if destPath == "" {
		return nil, errors.New("destination path is required")
	}
	f := &Fetcher{
		url:     sourceURL,
		dest:    destPath,
		timeout: DefaultTimeout,
		client:  http.DefaultClient,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Destination is the path the source is written to.
func (f *Fetcher) Destination() string {
	return f.dest
}

// Fetch streams the response body to a temporary file beside the destination
// and renames it into place once complete, so the destination only ever holds
// a whole download. It returns the number of bytes written.
func (f *Fetcher) Fetch(ctx context.Context) (int64, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, &Error{URL: f.url, Op: "build request", Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, f.classify(ctx, "request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, &RemoteError{URL: f.url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	dir := filepath.Dir(f.dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, &Error{URL: f.url, Op: "create data dir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, &Error{URL: f.url, Op: "create temp file", Err: err}
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return 0, f.classify(ctx, "read body", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, &Error{URL: f.url, Op: "close temp file", Err: err}
	}
	if err := os.Rename(tmp.Name(), f.dest); err != nil {
		return 0, &Error{URL: f.url, Op: "rename download", Err: err}
	}

	f.logger.Info("source downloaded",
		"url", f.url,
		"path", f.dest,
		"bytes", n,
		"duration", time.Since(start),
	)
	return n, nil
}

func (f *Fetcher) classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{URL: f.url, Timeout: f.timeout, Err: context.DeadlineExceeded}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: f.url, Timeout: f.timeout, Err: err}
	}
	return &Error{URL: f.url, Op: op, Err: err}
}
