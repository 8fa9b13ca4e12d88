package socket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// ErrServer wraps error strings returned by the daemon.
var ErrServer = errors.New("server error")

// Client connects to the zwatch daemon over a Unix socket.
type Client struct {
	sockPath string
	timeout  time.Duration
}

// NewClient creates a client that will connect to the given socket path.
func NewClient(sockPath string) *Client {
	return &Client{sockPath: sockPath, timeout: 5 * time.Second}
}

// Health sends a health check request.
func (c *Client) Health() (*HealthResult, error) {
	return call[HealthResult](c, MethodHealth, nil)
}

// Stats fetches the pipeline counters.
func (c *Client) Stats() (*StatsResult, error) {
	return call[StatsResult](c, MethodStats, nil)
}

// Targets fetches the watched targets.
func (c *Client) Targets() (*TargetsResult, error) {
	return call[TargetsResult](c, MethodTargets, nil)
}

// Recent fetches up to limit recently emitted events, newest first.
func (c *Client) Recent(limit int) (*RecentResult, error) {
	return call[RecentResult](c, MethodRecent, RecentParams{Limit: limit})
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(Request{ID: uuid.NewString(), Method: MethodShutdown})
	return err
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping() bool {
	conn, err := net.DialTimeout("unix", c.sockPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func call[T any](c *Client, method string, params interface{}) (*T, error) {
	resp, err := c.roundTrip(Request{ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return &out, nil
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.sockPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		return nil, fmt.Errorf("empty response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrServer, resp.Error)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return &resp, nil
}
