package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/objectfs/blobcache/internal/circuit"
	"github.com/objectfs/blobcache/pkg/utils"
)

// Client speaks the index protocol. Every failure is logged and treated as a
// miss; callers never see an error.
type Client struct {
	url     string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// NewClient creates a client for the index service at address, which may be
// "host:port" or a full URL. A nil httpClient uses http.DefaultClient.
func NewClient(address string, httpClient *http.Client, logger *slog.Logger) *Client {
	if address == "" {
		address = DefaultAddress
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	if !strings.HasSuffix(address, "/") {
		address += "/"
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		url:    address,
		http:   httpClient,
		logger: utils.ComponentLogger(logger, "index-client"),
	}
}

// SetBreaker guards requests with b. While b is open lookups are misses and
// publishes are dropped without touching the network. Call before first use.
func (c *Client) SetBreaker(b *circuit.Breaker) {
	c.breaker = b
}

// URL returns the endpoint requests are sent to.
func (c *Client) URL() string {
	return c.url
}

// Lookup asks the index where key is stored. A hit requires status 200 and
// both location and a positive size.
func (c *Client) Lookup(ctx context.Context, key string) (Record, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.logger.Error("failed to build lookup request", "key", key, "error", err)
		return Record{}, false
	}
	req.Header.Set(HeaderKey, key)

	resp, err := c.do(req)
	if err != nil {
		c.logger.Debug("index lookup failed", "key", key, "error", err)
		return Record{}, false
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return Record{}, false
	}

	location := resp.Header.Get(HeaderValue)
	sizeHeader := resp.Header.Get(HeaderSize)
	if location == "" || sizeHeader == "" {
		c.logger.Debug("index lookup missing headers", "key", key)
		return Record{}, false
	}

	size, err := strconv.ParseInt(sizeHeader, 10, 64)
	if err != nil || size <= 0 {
		c.logger.Warn("index returned invalid size", "key", key, "size", sizeHeader)
		return Record{}, false
	}

	return Record{Key: key, Location: location, Size: size}, true
}

// Publish advertises a record to the index. Failures are logged and dropped.
func (c *Client) Publish(ctx context.Context, rec Record) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, nil)
	if err != nil {
		c.logger.Error("failed to build publish request", "key", rec.Key, "error", err)
		return
	}
	req.Header.Set(HeaderKey, rec.Key)
	req.Header.Set(HeaderValue, rec.Location)
	req.Header.Set(HeaderSize, strconv.FormatInt(rec.Size, 10))

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, circuit.ErrOpenState) || errors.Is(err, circuit.ErrTooManyRequests) {
			c.logger.Debug("index publish skipped", "key", rec.Key, "error", err)
			return
		}
		c.logger.Warn("index publish failed", "key", rec.Key, "error", err)
		return
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("index publish rejected", "key", rec.Key, "status", resp.StatusCode)
	}
}

// do sends req through the breaker when one is set. Transport errors and 5xx
// responses count as failures; the response is returned either way.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.http.Do(req)
	}

	var resp *http.Response
	err := c.breaker.Execute(req.Context(), func(context.Context) error {
		var err error
		resp, err = c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("index returned %d", resp.StatusCode)
		}
		return nil
	})
	if resp != nil {
		return resp, nil
	}
	return nil, err
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, maxDrain)
	_ = body.Close()
}
