// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

// Status tokens emitted by the retrieval service or synthesized here.
const (
	StatusSearching       = "searching"
	StatusFetchingResults = "fetching_results"
)

const (
	// DefaultTimeout bounds a whole search call, streamed bodies included.
	DefaultTimeout = 30 * time.Second

	// maxBodySize caps a batch response and a single streamed line.
	maxBodySize = 4 * 1024 * 1024
)

var (
	// ErrSearchFailed wraps non-2xx answers from the retrieval service.
	ErrSearchFailed = errors.New("search failed")

	// ErrMalformedResponse is returned for bodies that are not valid JSON.
	ErrMalformedResponse = errors.New("malformed search response")
)

// =============================================================================
// TYPES
// =============================================================================

// Snippet is one retrieved passage.
type Snippet struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Event is one element of a search sequence. A status event has Status set;
// the final event carries Results.
type Event struct {
	Status  string
	Results []Snippet
	Final   bool
}

// Searcher runs a search query.
type Searcher interface {
	Search(ctx context.Context, query string) (*Results, error)
}

// rawResult accepts both {content, metadata:{url}} and {content, url}.
type rawResult struct {
	Content  string `json:"content"`
	URL      string `json:"url"`
	Metadata struct {
		URL string `json:"url"`
	} `json:"metadata"`
}

func (r rawResult) snippet() Snippet {
	u := r.Metadata.URL
	if u == "" {
		u = r.URL
	}
	return Snippet{URL: u, Content: r.Content}
}

type rawEvent struct {
	Status  string       `json:"status"`
	Results *[]rawResult `json:"results"`
}

func convert(raw []rawResult) []Snippet {
	out := make([]Snippet, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.snippet())
	}
	return out
}

// =============================================================================
// RESULTS
// =============================================================================

// Results is a lazy, finite sequence of search events. It ends after the
// event carrying the result list, or when the service stops sending.
type Results struct {
	events []Event
	lines  *bufio.Scanner
	body   io.Closer
	cancel context.CancelFunc
	done   bool
}

// NewResults returns a sequence over fixed events.
func NewResults(events ...Event) *Results {
	return &Results{events: events}
}

// Next returns the next event, or io.EOF at the end.
func (r *Results) Next() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}
	if r.lines == nil {
		if len(r.events) == 0 {
			r.finish()
			return Event{}, io.EOF
		}
		ev := r.events[0]
		r.events = r.events[1:]
		if ev.Final {
			r.finish()
		}
		return ev, nil
	}

	for r.lines.Scan() {
		line := bytes.TrimSpace(r.lines.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			line = bytes.TrimSpace(line[5:])
		} else if bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte("id:")) {
			continue
		}
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var raw rawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			r.finish()
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if raw.Results != nil {
			r.finish()
			return Event{Status: raw.Status, Results: convert(*raw.Results), Final: true}, nil
		}
		if raw.Status != "" {
			return Event{Status: raw.Status}, nil
		}
	}
	err := r.lines.Err()
	r.finish()
	if err != nil {
		return Event{}, fmt.Errorf("search stream failed: %w", err)
	}
	return Event{}, io.EOF
}

// Close releases the underlying response. It is safe to call more than once.
func (r *Results) Close() error {
	r.finish()
	return nil
}

func (r *Results) finish() {
	r.done = true
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Collect drains r and returns the final result list.
func (r *Results) Collect() ([]Snippet, error) {
	defer r.Close()
	var out []Snippet
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if ev.Final {
			out = ev.Results
		}
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Options configures a Client.
type Options struct {
	// Timeout bounds each search call (0 = DefaultTimeout).
	Timeout time.Duration

	// MaxQPS paces outbound calls (0 = unlimited).
	MaxQPS float64
	Burst  int

	HTTPClient *http.Client
}

// Client calls the retrieval service's GET /search endpoint.
type Client struct {
	baseURL    string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if opts.MaxQPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxQPS), burst)
	}
	return c
}

// Search implements Searcher. The returned Results must be closed.
func (c *Client) Search(ctx context.Context, query string) (*Results, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("search pacing: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	endpoint := c.baseURL + "/search?query=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: HTTP %d", ErrSearchFailed, resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	if isStreamed(resp.Header.Get("Content-Type"), br) {
		sc := bufio.NewScanner(br)
		sc.Buffer(make([]byte, 0, 64*1024), maxBodySize)
		return &Results{lines: sc, body: resp.Body, cancel: cancel}, nil
	}

	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(br, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, maxBodySize)
	}
	var batch struct {
		Results []rawResult `json:"results"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return NewResults(
		Event{Status: StatusFetchingResults},
		Event{Results: convert(batch.Results), Final: true},
	), nil
}

// isStreamed reports whether a response uses the line-delimited event shape.
func isStreamed(contentType string, br *bufio.Reader) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "text/event-stream", "application/x-ndjson", "application/ndjson":
			return true
		}
	}
	head, _ := br.Peek(5)
	return bytes.Equal(head, []byte("data:"))
}
