package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed idle connections in a pool.
	MaxConnectionPoolLimit = 100
)

// ErrPoolClosed is returned by Acquire once Close has been called.
var ErrPoolClosed = errors.New("connection pool is closed")

// ConnectionPool implements Provider over a set of directory servers.
//
// Connections are never pre-authenticated: every borrower binds the identity it
// needs, so a connection returned after a user bind is safe to hand out again.
type ConnectionPool struct {
	ctx         context.Context // Logging context with LDAP subsystem
	config      *ConnectionConfig
	servers     []*ServerInfo
	connections chan *PooledConnection
	mu          sync.RWMutex
	closed      bool
	discovery   *SRVDiscovery
	dial        func(server *ServerInfo) (*ldap.Conn, error)

	// Statistics
	activeConns   int64
	totalAcquired int64
	totalReleased int64
	totalCreated  int64
	totalErrors   int64
	startTime     time.Time

	// Health checking
	healthTicker *time.Ticker
	healthStop   chan struct{}
	healthWg     sync.WaitGroup
}

var _ Provider = (*ConnectionPool)(nil)

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig) (*ConnectionPool, error) {
	ctx = initializeLogging(ctx)
	start := time.Now()
	tflog.SubsystemDebug(ctx, Subsystem, "Creating new connection pool")

	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &ConnectionPool{
		ctx:         ctx,
		config:      config,
		connections: make(chan *PooledConnection, config.MaxConnections),
		discovery:   NewSRVDiscovery(ctx),
		startTime:   time.Now(),
		healthStop:  make(chan struct{}),
	}
	pool.dial = pool.dialServer

	if err := pool.discoverServers(); err != nil {
		return nil, fmt.Errorf("server discovery failed: %w", err)
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"duration_ms":     time.Since(start).Milliseconds(),
		"server_count":    len(pool.servers),
		"max_connections": config.MaxConnections,
	})
	return pool, nil
}

// discoverServers resolves configured URLs or falls back to SRV discovery.
func (p *ConnectionPool) discoverServers() error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.mu.Lock()
	p.servers = servers
	p.mu.Unlock()

	tflog.SubsystemDebug(p.ctx, Subsystem, "Server discovery completed", map[string]any{
		"server_count": len(servers),
	})
	return nil
}

// Acquire borrows a connection, reusing an idle one when it is still healthy.
func (p *ConnectionPool) Acquire(ctx context.Context) (Conn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	p.mu.RUnlock()

	for conn := p.takeIdle(); conn != nil; conn = p.takeIdle() {
		if !p.isConnectionHealthy(conn) {
			p.closeConnection(conn)
			continue
		}
		p.markAcquired(conn)
		LogPoolEvent(p.ctx, "connection_reused", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
		return conn, nil
	}

	conn, err := p.createConnection(ctx)
	if err != nil {
		fields := map[string]any{
			"error": err.Error(),
		}
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			fields["retryable"] = connErr.IsRetryable()
		}
		LogPoolEvent(p.ctx, "all_connections_failed", fields)
		return nil, err
	}
	p.markAcquired(conn)
	return conn, nil
}

// takeIdle returns an idle connection, or nil when none is waiting.
func (p *ConnectionPool) takeIdle() *PooledConnection {
	select {
	case conn, ok := <-p.connections:
		if !ok {
			return nil
		}
		return conn
	default:
		return nil
	}
}

func (p *ConnectionPool) markAcquired(conn *PooledConnection) {
	conn.lastUsed = time.Now()
	conn.borrowed.Store(true)
	atomic.AddInt64(&p.activeConns, 1)
	atomic.AddInt64(&p.totalAcquired, 1)
}

// Release returns a borrowed connection to the pool.
// Connections that are unhealthy, stale, or foreign to this pool are closed.
func (p *ConnectionPool) Release(c Conn) {
	conn, ok := c.(*PooledConnection)
	if !ok || conn == nil {
		tflog.SubsystemWarn(p.ctx, Subsystem, "Release called with a connection not owned by the pool", map[string]any{
			"type": fmt.Sprintf("%T", c),
		})
		return
	}

	if !conn.borrowed.CompareAndSwap(true, false) {
		LogPoolEvent(p.ctx, "double_release", map[string]any{
			"server": ServerInfoToURL(conn.serverInfo),
		})
		return
	}

	atomic.AddInt64(&p.activeConns, -1)
	atomic.AddInt64(&p.totalReleased, 1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.closeConnection(conn)
		return
	}

	p.requeue(conn)
}

// requeue puts an idle connection back, or closes it when it cannot be kept.
// Callers hold p.mu.
func (p *ConnectionPool) requeue(conn *PooledConnection) {
	if !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	select {
	case p.connections <- conn:
		LogPoolEvent(p.ctx, "connection_released", nil)
	default:
		p.closeConnection(conn)
	}
}

// createConnection dials the configured servers in order with retry.
func (p *ConnectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	p.mu.RLock()
	servers := p.servers
	p.mu.RUnlock()

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range servers {
			conn, err := p.dial(server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"server":  ServerInfoToURL(server),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				continue
			}

			atomic.AddInt64(&p.totalCreated, 1)
			return &PooledConnection{
				conn:       conn,
				lastUsed:   time.Now(),
				healthy:    true,
				serverInfo: server,
			}, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, NewConnectionError("connection attempt cancelled", false, ctx.Err())
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// dialServer opens a connection to one server, upgrading with StartTLS when configured.
func (p *ConnectionPool) dialServer(server *ServerInfo) (*ldap.Conn, error) {
	url := ServerInfoToURL(server)

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(url, ldap.DialWithTLSConfig(p.config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(url)
		if err == nil && p.config.UseTLS && !p.config.SkipTLS {
			if tlsErr := conn.StartTLS(p.config.TLSConfig); tlsErr != nil {
				conn.Close()
				err = tlsErr
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	conn.SetTimeout(p.config.Timeout)
	return conn, nil
}

// isConnectionHealthy checks if a connection can be handed out again.
func (p *ConnectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.IsHealthy() {
		return false
	}

	if conn.conn.IsClosing() {
		return false
	}

	return time.Since(conn.LastUsed()) <= p.config.MaxIdleTime
}

// closeConnection closes a pooled connection.
func (p *ConnectionPool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		conn.conn.Close()
	}
	if conn != nil {
		conn.healthy = false
	}
}

// Ping checks that a server can be reached and answers a root DSE search.
func (p *ConnectionPool) Ping(ctx context.Context) error {
	return LogOperation(p.ctx, Subsystem, "ping", nil, func() error {
		conn, err := p.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connection: %w", err)
		}
		defer p.Release(conn)

		_, err = conn.Search(rootDSERequest())
		return err
	})
}

// Close closes all idle connections and shuts down the pool.
// Borrowed connections are closed when they are released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// The health checker takes p.mu itself, so it is stopped outside the lock.
	if p.healthTicker != nil {
		close(p.healthStop)
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.connections)
	for conn := range p.connections {
		p.closeConnection(conn)
	}

	LogPoolEvent(p.ctx, "pool_closed", nil)
	return nil
}

// Stats returns pool statistics.
func (p *ConnectionPool) Stats() PoolStats {
	return PoolStats{
		Idle:     len(p.connections),
		Active:   atomic.LoadInt64(&p.activeConns),
		Acquired: atomic.LoadInt64(&p.totalAcquired),
		Released: atomic.LoadInt64(&p.totalReleased),
		Created:  atomic.LoadInt64(&p.totalCreated),
		Errors:   atomic.LoadInt64(&p.totalErrors),
		Uptime:   time.Since(p.startTime),
	}
}

// startHealthChecker starts the periodic health checker.
func (p *ConnectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.healthStop:
				return
			}
		}
	})
}

// performHealthCheck probes a few idle connections and drops the broken ones.
func (p *ConnectionPool) performHealthCheck() {
	var toCheck []*PooledConnection

	for range 3 {
		conn := p.takeIdle()
		if conn == nil {
			break
		}
		toCheck = append(toCheck, conn)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, conn := range toCheck {
		if p.closed || !p.testConnection(conn) {
			LogPoolEvent(p.ctx, "health_check_failed", map[string]any{
				"server": ServerInfoToURL(conn.serverInfo),
			})
			p.closeConnection(conn)
			continue
		}
		p.requeue(conn)
	}
}

// testConnection runs a root DSE search on an idle connection.
func (p *ConnectionPool) testConnection(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil {
		return false
	}

	if _, err := conn.conn.Search(rootDSERequest()); err != nil {
		return false
	}

	conn.lastUsed = time.Now()
	return true
}

func rootDSERequest() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 5, false,
		"(objectClass=*)",
		[]string{"namingContexts"},
		nil,
	)
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}

// Bind authenticates the pooled connection.
func (pc *PooledConnection) Bind(username, password string) error {
	pc.lastUsed = time.Now()
	err := pc.conn.Bind(username, password)
	if err != nil && IsConnectionError(err) {
		pc.healthy = false
	}
	return err
}

// Search runs a search on the pooled connection.
func (pc *PooledConnection) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	pc.lastUsed = time.Now()
	result, err := pc.conn.Search(req)
	if err != nil && IsConnectionError(err) {
		pc.healthy = false
	}
	return result, err
}

// GSSAPIBind performs a Kerberos bind on the pooled connection.
func (pc *PooledConnection) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	pc.lastUsed = time.Now()
	return pc.conn.GSSAPIBind(client, servicePrincipal, authzid)
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

// IsHealthy reports whether no transport-level failure has been seen on the connection.
func (pc *PooledConnection) IsHealthy() bool {
	return pc.healthy
}

// LastUsed returns when the connection was last borrowed or used.
func (pc *PooledConnection) LastUsed() time.Time {
	return pc.lastUsed
}
