package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Listd/internal/dto"
)

// ErrResynced means a flush hit a stale cursor and the client re-based on a
// fresh snapshot; the pending changes are intact, flush again.
var ErrResynced = errors.New("client: state resynced, retry flush")

// RateLimitedError carries the server's backoff hint from a 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("client: rate limited, retry after %s", e.RetryAfter)
}

// Run drives the push channel until ctx is done: subscribe, catch up on what
// was missed, then dispatch events. A dropped transport moves the client to
// Reconnecting and retries with doubling backoff, reset after a good
// connection.
func (c *Client) Run(ctx context.Context) error {
	backoff := backoffInitial
	c.setState(StateConnecting)

	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		err := c.subscribe(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		_ = err

		// A connection that made it to Open earns a fresh backoff.
		if c.State() == StateOpen {
			backoff = backoffInitial
		}
		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// subscribe holds one SSE connection open and pumps its events. Returns when
// the transport drops or ctx is cancelled.
func (c *Client) subscribe(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/v1/lists/%s/subscribe?participantId=%s", c.cfg.BaseURL, c.cfg.ListID, c.cfg.ParticipantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("client: subscribe returned %d", res.StatusCode)
	}

	sc := bufio.NewScanner(res.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if event != "" {
				if err := c.dispatch(ctx, event, data.Bytes()); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data.Write(bytes.TrimSpace(line[len("data:"):]))
		}
		// comment and id lines are ignored
	}
	return sc.Err()
}

func (c *Client) dispatch(ctx context.Context, event string, data []byte) error {
	switch event {
	case "connected":
		// Pushes sent while we were away are gone; pull the gap before
		// trusting the live stream.
		if err := c.CatchUp(ctx); err != nil {
			return err
		}
		c.setState(StateOpen)
		c.setSynced(true)
	case "sync":
		var ev dto.SyncEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("client: bad sync event: %w", err)
		}
		c.ApplyRemote(ev)
	case "heartbeat":
		// keepalive only
	}
	return nil
}
