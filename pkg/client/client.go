package client

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/distlockd/pkg/protocol"
	"github.com/pixperk/distlockd/pkg/types"
)

const (
	DefaultRetries          = 3
	DefaultConnectTimeout   = 2 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultPoolSize         = 5

	// how long one LOCK request may wait server-side before the client
	// re-sends it; keeps a single request from outliving its connection
	serverWaitSlice = 500 * time.Millisecond

	// pause before re-dialing after a connection failure
	reconnectDelay = 100 * time.Millisecond
)

type Config struct {
	Addr             string
	HolderID         string        // session identity; defaults to a fresh uuid
	Retries          int           // dial attempts per request
	ConnectTimeout   time.Duration // per-dial timeout
	OperationTimeout time.Duration // per-request read/write deadline
	PoolSize         int           // idle connections kept around
	Verbose          bool
}

// Client talks the distlockd line protocol over pooled TCP connections.
// One Client is one session: every request carries the same holder id, which
// is the authorization key for releasing what this session acquired.
type Client struct {
	cfg  Config
	id   string
	pool *pool
}

func New(cfg Config) *Client {
	if cfg.HolderID == "" {
		cfg.HolderID = uuid.NewString()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	return &Client{
		cfg:  cfg,
		id:   cfg.HolderID,
		pool: newPool(cfg.Addr, cfg.ConnectTimeout, cfg.PoolSize),
	}
}

// HolderID returns this session's identity token.
func (c *Client) HolderID() string { return c.id }

// roundTrip sends one request line and returns the single response line,
// retrying over fresh connections on transport errors.
func (c *Client) roundTrip(ctx context.Context, line string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if attempt > 0 {
			if c.cfg.Verbose {
				log.Printf("[WARNING] connection attempt %d failed: %v, retrying", attempt, lastErr)
			}
			time.Sleep(reconnectDelay)
		}

		conn, err := c.pool.get()
		if err != nil {
			lastErr = err
			continue
		}

		deadline := time.Now().Add(c.cfg.OperationTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetDeadline(deadline)

		if _, err := conn.Write([]byte(line)); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		resp, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		conn.SetDeadline(time.Time{})
		c.pool.put(conn)
		return strings.TrimRight(resp, "\r\n"), nil
	}

	return "", fmt.Errorf("%w after %d attempts: %v", types.ErrConnection, c.cfg.Retries, lastErr)
}

// Acquire obtains name for this session, waiting up to timeout. The wait is
// a client-side deadline: each attempt asks the server to hold the request
// for at most a short slice, then the denied attempt is simply re-sent.
// A zero timeout means a single immediate attempt.
func (c *Client) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	if name == "" {
		return nil, types.ErrEmptyLockName
	}

	deadline := time.Now().Add(timeout)
	attempts := 0

	for {
		attempts++

		serverWait := time.Until(deadline)
		if serverWait > serverWaitSlice {
			serverWait = serverWaitSlice
		}
		if serverWait < 0 {
			serverWait = 0
		}

		resp, err := c.roundTrip(ctx, protocol.FormatLock(name, c.id, serverWait))
		if err != nil {
			// keep trying through transient connection trouble until the
			// deadline, the way a denied attempt would
			if time.Now().Before(deadline) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}

		switch resp {
		case protocol.RespOK:
			if c.cfg.Verbose {
				log.Printf("[INFO] acquired lock %q after %d attempt(s)", name, attempts)
			}
			return &Lock{client: c, name: name}, nil
		case protocol.RespDenied:
			if time.Now().Before(deadline) && ctx.Err() == nil {
				continue
			}
			return nil, fmt.Errorf("%w: %q after %d attempt(s)", types.ErrAcquireTimeout, name, attempts)
		default:
			return nil, fmt.Errorf("%w: %q", types.ErrServer, resp)
		}
	}
}

// Release gives up name on behalf of this session.
func (c *Client) Release(ctx context.Context, name string) error {
	if name == "" {
		return types.ErrEmptyLockName
	}

	resp, err := c.roundTrip(ctx, protocol.FormatRelease(name, c.id))
	if err != nil {
		return err
	}

	switch resp {
	case protocol.RespOK:
		return nil
	case protocol.RespNotHeld:
		return fmt.Errorf("%w: %q", types.ErrNotHeld, name)
	case protocol.RespForbidden:
		return fmt.Errorf("%w: %q", types.ErrForbidden, name)
	default:
		return fmt.Errorf("%w: %q", types.ErrServer, resp)
	}
}

// Health asks the server for its held-lock count. An error means the server
// is unreachable or answered something unexpected.
func (c *Client) Health(ctx context.Context) (int, error) {
	resp, err := c.roundTrip(ctx, protocol.FormatHealth())
	if err != nil {
		return 0, err
	}

	rest, ok := strings.CutPrefix(resp, protocol.RespOK+" ")
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrServer, resp)
	}
	held, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", types.ErrServer, resp)
	}
	return held, nil
}

// WithLock runs fn while holding name and releases on every exit path,
// including an error or panic inside fn. A release failure surfaces only
// when fn itself succeeded.
func (c *Client) WithLock(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	lock, err := c.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}

	defer func() {
		// release on a fresh context so a cancelled ctx cannot leak the lock
		relCtx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
		defer cancel()

		if rerr := lock.Release(relCtx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	return fn(ctx)
}

// Close drops all pooled connections. The Client must not be used afterwards.
func (c *Client) Close() {
	c.pool.closeAll()
}
