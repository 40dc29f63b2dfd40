package feed

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/mini-rodalies-3d/rtsampler/internal/errors"
)

// DefaultTimeout bounds a single feed request when none is configured
const DefaultTimeout = 15 * time.Second

// maxBodyBytes caps how much of a feed response is read into memory
const maxBodyBytes = 64 << 20

// Client fetches one GTFS-RT feed with bearer-token authorization
type Client struct {
	url     string
	token   string
	maxBody int64
	client  *http.Client
}

// NewClient creates a feed client. A non-positive timeout falls back to
// DefaultTimeout; requests are never unbounded.
func NewClient(url, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:     url,
		token:   token,
		maxBody: maxBodyBytes,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// URL returns the feed location this client polls
func (c *Client) URL() string {
	return c.url
}

// Fetch issues one GET to the feed and returns the raw protobuf body.
// Every failure is marked errors.ErrFetch. A location without an http(s)
// scheme is read from the local filesystem.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	if !strings.HasPrefix(c.url, "http://") && !strings.HasPrefix(c.url, "https://") {
		data, err := os.ReadFile(c.url)
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to read feed file"), errors.ErrFetch)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to create request"), errors.ErrFetch)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/x-protobuf, application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to fetch feed"), errors.ErrFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain a little so the connection can be reused
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, errors.Mark(errors.Newf("feed returned status %d", resp.StatusCode), errors.ErrFetch)
	}

	// One byte past the cap tells an oversized body from one that fits exactly.
	// A truncated body could still decode as a smaller snapshot.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read response"), errors.ErrFetch)
	}
	if int64(len(body)) > c.maxBody {
		return nil, errors.Mark(errors.Newf("feed response exceeds %d bytes", c.maxBody), errors.ErrFetch)
	}
	return body, nil
}

// Poll fetches and decodes the feed
func (c *Client) Poll(ctx context.Context) (*gtfs.FeedMessage, error) {
	body, err := c.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// Decode parses a GTFS-RT FeedMessage. Malformed input is marked
// errors.ErrDecode.
func Decode(data []byte) (*gtfs.FeedMessage, error) {
	msg := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to parse protobuf (%d bytes)", len(data)), errors.ErrDecode)
	}
	return msg, nil
}
