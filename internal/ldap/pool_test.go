package ldap

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDial returns a dialer producing go-ldap connections over in-memory pipes.
// The server side discards everything it receives.
func pipeDial(t *testing.T, dials *atomic.Int64) func(*ServerInfo) (*ldap.Conn, error) {
	t.Helper()
	return func(*ServerInfo) (*ldap.Conn, error) {
		if dials != nil {
			dials.Add(1)
		}
		client, server := net.Pipe()
		go func() {
			_, _ = io.Copy(io.Discard, server)
		}()
		t.Cleanup(func() { _ = server.Close() })

		conn := ldap.NewConn(client, false)
		conn.Start()
		return conn, nil
	}
}

func testPoolConfig() *ConnectionConfig {
	config := DefaultConfig()
	config.LDAPURLs = []string{"ldap://ldap.example.com"}
	config.HealthCheck = 0
	config.MaxConnections = 2
	config.MaxRetries = 1
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 2 * time.Millisecond
	return config
}

func newTestPool(t *testing.T, config *ConnectionConfig, dials *atomic.Int64) *ConnectionPool {
	t.Helper()

	pool, err := NewConnectionPool(context.Background(), config)
	require.NoError(t, err)
	pool.dial = pipeDial(t, dials)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.True(t, config.UseTLS, "default config should use TLS")
	assert.False(t, config.SkipTLS)
	require.NotNil(t, config.TLSConfig)
	assert.False(t, config.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, 5*time.Minute, config.MaxIdleTime)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 3, config.MaxRetries)
	assert.NoError(t, validateConfig(config))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ConnectionConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*ConnectionConfig) {}},
		{name: "zero connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = 0 }, wantErr: "MaxConnections must be positive"},
		{name: "too many connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = MaxConnectionPoolLimit + 1 }, wantErr: "MaxConnections too high"},
		{name: "zero idle time", mutate: func(c *ConnectionConfig) { c.MaxIdleTime = 0 }, wantErr: "MaxIdleTime"},
		{name: "zero timeout", mutate: func(c *ConnectionConfig) { c.Timeout = 0 }, wantErr: "timeout"},
		{name: "negative retries", mutate: func(c *ConnectionConfig) { c.MaxRetries = -1 }, wantErr: "MaxRetries"},
		{name: "flat backoff", mutate: func(c *ConnectionConfig) { c.BackoffFactor = 1.0 }, wantErr: "BackoffFactor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := validateConfig(config)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewConnectionPool_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid config", func(t *testing.T) {
		config := testPoolConfig()
		config.MaxConnections = 0
		_, err := NewConnectionPool(ctx, config)
		assert.ErrorContains(t, err, "invalid configuration")
	})

	t.Run("invalid url", func(t *testing.T) {
		config := testPoolConfig()
		config.LDAPURLs = []string{"http://ldap.example.com"}
		_, err := NewConnectionPool(ctx, config)
		assert.ErrorContains(t, err, "invalid LDAP URL")
	})

	t.Run("no servers", func(t *testing.T) {
		config := testPoolConfig()
		config.LDAPURLs = nil
		_, err := NewConnectionPool(ctx, config)
		assert.ErrorContains(t, err, "either domain or LDAP URLs must be specified")
	})
}

func TestConnectionPool_AcquireReleaseReuses(t *testing.T) {
	ctx := context.Background()
	var dials atomic.Int64
	pool := newTestPool(t, testPoolConfig(), &dials)

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, second)
	pool.Release(second)

	stats := pool.Stats()
	assert.Equal(t, int64(1), dials.Load())
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(2), stats.Acquired)
	assert.Equal(t, int64(2), stats.Released)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestConnectionPool_BorrowIsExclusive(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, int64(2), pool.Stats().Active)

	pool.Release(a)
	pool.Release(b)
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestConnectionPool_DoubleRelease(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pool.Release(conn)
	pool.Release(conn)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Released)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

type foreignConn struct{ Conn }

func TestConnectionPool_ReleaseForeignConnection(t *testing.T) {
	pool := newTestPool(t, testPoolConfig(), nil)

	pool.Release(foreignConn{})
	pool.Release(nil)

	stats := pool.Stats()
	assert.Equal(t, int64(0), stats.Released)
	assert.Equal(t, 0, stats.Idle)
}

func TestConnectionPool_ReleaseUnhealthyCloses(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pc := conn.(*PooledConnection)
	pc.healthy = false
	pool.Release(conn)

	assert.Equal(t, 0, pool.Stats().Idle)
	assert.True(t, pc.conn.IsClosing())
}

func TestConnectionPool_ReleaseStaleCloses(t *testing.T) {
	ctx := context.Background()
	config := testPoolConfig()
	config.MaxIdleTime = time.Minute
	pool := newTestPool(t, config, nil)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pc := conn.(*PooledConnection)
	pc.lastUsed = time.Now().Add(-2 * time.Minute)
	pool.Release(conn)

	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestConnectionPool_OverflowCloses(t *testing.T) {
	ctx := context.Background()
	config := testPoolConfig()
	config.MaxConnections = 1
	pool := newTestPool(t, config, nil)

	a, err := pool.Acquire(ctx)
	require.NoError(t, err)
	b, err := pool.Acquire(ctx)
	require.NoError(t, err)

	pool.Release(a)
	pool.Release(b)

	assert.Equal(t, 1, pool.Stats().Idle)
	assert.True(t, b.(*PooledConnection).conn.IsClosing())
}

func TestConnectionPool_Close(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	idle, err := pool.Acquire(ctx)
	require.NoError(t, err)
	borrowed, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(idle)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close(), "Close is idempotent")

	assert.True(t, idle.(*PooledConnection).conn.IsClosing())

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Release(borrowed)
	assert.True(t, borrowed.(*PooledConnection).conn.IsClosing())
	assert.Equal(t, int64(0), pool.Stats().Active)
}

func TestConnectionPool_DialFailure(t *testing.T) {
	ctx, output := captureLogs(t)
	config := testPoolConfig()
	config.LDAPURLs = []string{"ldap://a.example.com", "ldap://b.example.com"}

	pool, err := NewConnectionPool(ctx, config)
	require.NoError(t, err)
	defer pool.Close()

	var attempts []string
	pool.dial = func(server *ServerInfo) (*ldap.Conn, error) {
		attempts = append(attempts, server.Host)
		return nil, errors.New("connection refused")
	}

	_, err = pool.Acquire(ctx)
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsRetryable())
	assert.True(t, IsConnectionError(err))

	assert.Equal(t, []string{"a.example.com", "b.example.com", "a.example.com", "b.example.com"}, attempts)
	assert.Equal(t, int64(4), pool.Stats().Errors)
	assert.Equal(t, int64(0), pool.Stats().Acquired)

	var failed []map[string]any
	for _, entry := range decodeLogs(t, output) {
		if entry["event"] == "all_connections_failed" {
			failed = append(failed, entry)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, true, failed[0]["retryable"])
	assert.Equal(t, "error", failed[0]["@level"])
}

func TestConnectionPool_DialFailsOverToNextServer(t *testing.T) {
	ctx := context.Background()
	config := testPoolConfig()
	config.LDAPURLs = []string{"ldap://down.example.com", "ldap://up.example.com"}

	pool, err := NewConnectionPool(ctx, config)
	require.NoError(t, err)
	defer pool.Close()

	dial := pipeDial(t, nil)
	pool.dial = func(server *ServerInfo) (*ldap.Conn, error) {
		if server.Host == "down.example.com" {
			return nil, errors.New("connection refused")
		}
		return dial(server)
	}

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(conn)

	assert.Equal(t, "up.example.com", conn.(*PooledConnection).ServerInfo().Host)
}

func TestConnectionPool_DialCancelled(t *testing.T) {
	config := testPoolConfig()
	config.MaxRetries = 5
	config.InitialBackoff = time.Hour
	config.MaxBackoff = time.Hour

	pool, err := NewConnectionPool(context.Background(), config)
	require.NoError(t, err)
	defer pool.Close()

	pool.dial = func(*ServerInfo) (*ldap.Conn, error) {
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionPool_Concurrent(t *testing.T) {
	ctx := context.Background()
	config := testPoolConfig()
	config.MaxConnections = 4
	pool := newTestPool(t, config, nil)

	var wg sync.WaitGroup
	for range 40 {
		wg.Go(func() {
			conn, err := pool.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(time.Millisecond)
			pool.Release(conn)
		})
	}
	wg.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(40), stats.Acquired)
	assert.Equal(t, int64(40), stats.Released)
	assert.Equal(t, int64(0), stats.Active)
	assert.LessOrEqual(t, stats.Idle, 4)
}

func TestConnectionPool_HealthCheckDropsClosed(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(conn)

	// A connection closed underneath the pool fails its probe.
	conn.(*PooledConnection).conn.Close()
	pool.performHealthCheck()

	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestPooledConnection_MarksUnhealthyOnConnectionError(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, testPoolConfig(), nil)

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pc := conn.(*PooledConnection)
	assert.True(t, pc.IsHealthy())

	pc.conn.Close()
	err = conn.Bind("cn=app,dc=example,dc=com", "secret")
	require.Error(t, err)
	assert.False(t, pc.IsHealthy())
	assert.False(t, pc.LastUsed().IsZero())

	pool.Release(conn)
	assert.Equal(t, 0, pool.Stats().Idle)
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewConnectionError("failed to connect", true, cause)

	assert.Equal(t, "failed to connect: connection refused", err.Error())
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "failed to connect", NewConnectionError("failed to connect", false, nil).Error())
}

func BenchmarkConnectionPool_AcquireRelease(b *testing.B) {
	config := testPoolConfig()
	pool, err := NewConnectionPool(context.Background(), config)
	if err != nil {
		b.Fatal(err)
	}
	defer pool.Close()

	pool.dial = func(*ServerInfo) (*ldap.Conn, error) {
		client, server := net.Pipe()
		go func() { _, _ = io.Copy(io.Discard, server) }()
		conn := ldap.NewConn(client, false)
		conn.Start()
		return conn, nil
	}

	ctx := context.Background()
	for b.Loop() {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			b.Fatal(err)
		}
		pool.Release(conn)
	}
}
