// Package client speaks the taskd wire protocol from the requesting side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/taskd/internal/protocol"
)

var ErrUnexpectedMessage = errors.New("client: unexpected message from server")

// Options tunes dialing and per-request deadlines.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client holds one connection. Requests are sent one at a time.
type Client struct {
	conn net.Conn
	opts Options
}

func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, opts: opts}, nil
}

// New wraps an existing connection.
func New(conn net.Conn, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}
	return &Client{conn: conn, opts: opts}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Hash requests the digest of path and waits for the server's answer.
func (c *Client) Hash(ctx context.Context, alg protocol.HashAlgorithm, path protocol.FilePath) (protocol.TaskResponse, error) {
	msg, err := c.Roundtrip(ctx, protocol.NewHashRequest(alg, path))
	if err != nil {
		return protocol.TaskResponse{}, err
	}
	if msg.Kind != protocol.KindTaskResponse {
		return protocol.TaskResponse{}, ErrUnexpectedMessage
	}
	return msg.Response, nil
}

// Send writes one message without waiting for a reply.
func (c *Client) Send(ctx context.Context, msg protocol.ProtocolMessage) error {
	wire, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	_, err = c.conn.Write(wire)
	return err
}

// Roundtrip sends msg and reads the next message from the server.
func (c *Client) Roundtrip(ctx context.Context, msg protocol.ProtocolMessage) (protocol.ProtocolMessage, error) {
	if err := c.Send(ctx, msg); err != nil {
		return protocol.ProtocolMessage{}, err
	}
	return protocol.DecodeMessage(c.conn, c.deadline(ctx))
}

func (c *Client) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}
