package worker

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialPolicy controls backoff between reconnect attempts to the single
// Master this worker talks to. Unlike the load-balancer this was adapted
// from, there is exactly one dial target, so no multi-candidate
// selection is needed: only a timeout and a retry delay schedule.
type DialPolicy struct {
	Timeout    time.Duration
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int // 0 means unlimited
}

// DefaultDialPolicy matches the join-ack wait budget in the wire protocol.
var DefaultDialPolicy = DialPolicy{
	Timeout:    10 * time.Second,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
	MaxRetries: 0,
}

// DialMaster connects to host:port, retrying with exponential backoff
// per policy until it succeeds, ctx is cancelled, or MaxRetries is
// exhausted. On success the returned *net.TCPConn has TCP_NODELAY and
// SO_KEEPALIVE enabled, matching the reference worker's socket options:
// NODELAY so CHECK_ACK/REQUEST_ACK flush immediately, KEEPALIVE so a
// silently-dead Master is eventually detected even without traffic.
func DialMaster(ctx context.Context, host string, port int, policy DialPolicy) (*net.TCPConn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	delay := policy.BaseDelay
	attempt := 0
	for {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			tcpConn, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("worker: dial %s: not a TCP connection", addr)
			}
			if err := tcpConn.SetNoDelay(true); err != nil {
				tcpConn.Close()
				return nil, fmt.Errorf("worker: set nodelay: %w", err)
			}
			if err := tcpConn.SetKeepAlive(true); err != nil {
				tcpConn.Close()
				return nil, fmt.Errorf("worker: set keepalive: %w", err)
			}
			return tcpConn, nil
		}
		if policy.MaxRetries > 0 && attempt >= policy.MaxRetries {
			return nil, fmt.Errorf("worker: dial %s: giving up after %d attempts: %w", addr, attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}
