// Copyright (c) 2024 vfioctl authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package virtd is a client for the virtualization daemon: a
// JSON-over-unix-socket protocol with command/response pairs correlated
// by ID and read back by a single reader goroutine, plus an asynchronous
// event channel, rather than assuming libvirt specifically is installed.
package virtd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/originull/vfioctl/internal/tracing"
	"github.com/originull/vfioctl/pkg/model"
)

// Event is an asynchronous notification from the daemon (domain state
// change, device hot-(un)plug completion, crash).
type Event struct {
	Name      string
	Domain    string
	Data      map[string]interface{}
	Timestamp time.Time
}

// request is the wire shape of a call; response is correlated by ID.
type request struct {
	ID     uint64                 `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Event  *wireEvent      `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireEvent struct {
	Name      string                 `json:"name"`
	Domain    string                 `json:"domain"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Client is a single connection to the virtualization daemon. Each Call
// writes its request from the calling goroutine as one encoded line; one
// reader goroutine (readLoop) routes responses back to callers by request
// ID. Concurrent Call invocations from multiple goroutines are safe; the
// order of their wire writes is not defined.
type Client struct {
	log    *logrus.Entry
	mu     sync.RWMutex // protects conn across reconnects
	conn   net.Conn
	dialFn func(ctx context.Context) (net.Conn, error)

	nextID  uint64
	pending sync.Map // id -> chan response

	EventCh chan Event

	closed atomic.Bool
	doneCh chan struct{}
}

// Dial connects to the daemon's unix control socket at path.
func Dial(ctx context.Context, socketPath string, log *logrus.Entry) (*Client, error) {
	dialFn := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return newClient(ctx, dialFn, log)
}

func newClient(ctx context.Context, dialFn func(context.Context) (net.Conn, error), log *logrus.Entry) (*Client, error) {
	conn, err := dialFn(ctx)
	if err != nil {
		return nil, model.New(model.KindDaemonError, "virtd.Dial", err)
	}
	c := &Client{
		log:     log,
		conn:    conn,
		dialFn:  dialFn,
		EventCh: make(chan Event, 64),
		doneCh:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close shuts the connection down; pending calls observe ChannelClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.doneCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Call issues method with params and decodes the result into out (which
// may be nil). It reconnects transparently once on a closed-connection
// error: the connection is shared across goroutines and protected by a
// read/write lock.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	span, ctx := tracing.Start(ctx, "virtd.Call", map[string]string{"method": method})
	defer span.End()

	resCh, err := c.send(method, params)
	if err != nil {
		if isClosedConnErr(err) {
			if rerr := c.reconnect(ctx); rerr == nil {
				resCh, err = c.send(method, params)
			}
		}
		if err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return model.New(model.KindTimedOut, "virtd.Call:"+method, ctx.Err())
	case res := <-resCh:
		if res.Error != nil {
			return model.New(model.KindDaemonError, "virtd.Call:"+method, fmt.Errorf("%s: %s", res.Error.Code, res.Error.Message))
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return model.New(model.KindParseError, "virtd.Call:"+method, err)
			}
		}
		return nil
	case <-c.doneCh:
		return model.New(model.KindChannelClosed, "virtd.Call:"+method, nil)
	}
}

func (c *Client) send(method string, params map[string]interface{}) (chan response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	resCh := make(chan response, 1)
	c.pending.Store(id, resCh)

	req := request{ID: id, Method: method, Params: params}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		c.pending.Delete(id)
		return nil, model.New(model.KindDaemonError, "virtd.send", err)
	}
	return resCh, nil
}

func (c *Client) readLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var res response
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("malformed daemon response, dropped")
			}
			continue
		}
		if res.Event != nil {
			select {
			case c.EventCh <- Event{Name: res.Event.Name, Domain: res.Event.Domain, Data: res.Event.Data, Timestamp: res.Event.Timestamp}:
			default:
				if c.log != nil {
					c.log.Warn("event channel full, dropping oldest event")
				}
				select {
				case <-c.EventCh:
				default:
				}
				c.EventCh <- Event{Name: res.Event.Name, Domain: res.Event.Domain, Data: res.Event.Data, Timestamp: res.Event.Timestamp}
			}
			continue
		}
		if v, ok := c.pending.LoadAndDelete(res.ID); ok {
			v.(chan response) <- res
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, err := c.dialFn(ctx)
	if err != nil {
		return model.New(model.KindDaemonError, "virtd.reconnect", err)
	}
	c.conn.Close()
	c.conn = conn
	go c.readLoop()
	return nil
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
