// Package client is a synchronous client for the dswire protocol.
package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/tuannm99/novads/server/dswire"
)

var ErrNilClient = errors.New("client: nil client")

// RemoteError is an error reported by the server. Failures holds the failed
// rows of an update.
type RemoteError struct {
	Msg      string
	Failures []dswire.Failure
}

func (e *RemoteError) Error() string { return e.Msg }

// Client is a simple synchronous client.
// It locks send/recv so you can call it concurrently but calls serialize.
type Client struct {
	conn  net.Conn
	codec *dswire.Codec
	mu    sync.Mutex
	id   atomic.Uint64

	// Optional per-request timeout (0 = no timeout).
	rwTimeout time.Duration
}

func Dial(addr string, timeout time.Duration) (*Client, error) {
	return DialContext(context.Background(), addr, timeout)
}

func DialContext(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "client: dial %s", addr)
	}
	return &Client{conn: c, codec: dswire.NewCodec(c, 0)}, nil
}

// SetRWTimeout sets a per-request read/write deadline.
func (c *Client) SetRWTimeout(d time.Duration) {
	if c == nil {
		return
	}
	c.rwTimeout = d
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Query runs a query data set.
func (c *Client) Query(ctx context.Context, dataset, page string, params map[string][]string) (*dswire.Response, error) {
	return c.Do(ctx, dswire.Request{Op: dswire.OpQuery, Dataset: dataset, Page: page, Params: params})
}

// Update sends an XML document to an update data set. A response carrying
// failed rows is returned together with a *RemoteError.
func (c *Client) Update(ctx context.Context, dataset, document string) (*dswire.Response, error) {
	return c.Do(ctx, dswire.Request{Op: dswire.OpUpdate, Dataset: dataset, Document: document})
}

func (c *Client) Flush(ctx context.Context, dataset string) (int, error) {
	resp, err := c.Do(ctx, dswire.Request{Op: dswire.OpFlush, Dataset: dataset})
	if err != nil {
		return 0, err
	}
	return resp.Flushed, nil
}

func (c *Client) Datasets(ctx context.Context) ([]string, error) {
	resp, err := c.Do(ctx, dswire.Request{Op: dswire.OpDatasets})
	if err != nil {
		return nil, err
	}
	return resp.Datasets, nil
}

// Do sends one request and waits for its response. The request ID is
// assigned here.
func (c *Client) Do(ctx context.Context, req dswire.Request) (*dswire.Response, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNilClient
	}

	req.ID = c.id.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	defer func() {
		// Clear deadline after request so idle connection doesn't expire.
		_ = c.conn.SetDeadline(time.Time{})
	}()

	if err := c.codec.Write(req); err != nil {
		return nil, err
	}

	var resp dswire.Response
	if err := c.codec.Read(&resp); err != nil {
		return nil, err
	}

	if resp.ID != req.ID {
		return nil, errors.Errorf("client: response id mismatch: got=%d want=%d", resp.ID, req.ID)
	}
	if resp.Error != "" {
		return &resp, &RemoteError{Msg: resp.Error, Failures: resp.Failures}
	}
	return &resp, nil
}

func (c *Client) applyDeadline(ctx context.Context) error {
	// Prefer context deadline if present; otherwise use rwTimeout.
	if dl, ok := ctx.Deadline(); ok {
		return c.conn.SetDeadline(dl)
	}
	if c.rwTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.rwTimeout))
	}
	return nil
}
