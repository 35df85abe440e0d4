package ldap

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of a directory session used by authentication.
// *ldap.Conn from go-ldap satisfies it, as does *PooledConnection.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

var _ Conn = (*ldap.Conn)(nil)
var _ Conn = (*PooledConnection)(nil)

// Provider hands out directory connections for exclusive use.
// Every connection returned by Acquire must be passed to Release exactly once.
type Provider interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(conn Conn)
}

// ConnectionConfig holds configuration for the connection pool.
type ConnectionConfig struct {
	// Connection settings
	Domain   string        // Domain for SRV discovery
	LDAPURLs []string      // Direct LDAP URLs (overrides domain)
	Timeout  time.Duration // Dial and per-request timeout

	// TLS settings
	TLSConfig *tls.Config // Custom TLS configuration
	UseTLS    bool        // Upgrade plain connections with StartTLS
	SkipTLS   bool        // Skip TLS entirely (not recommended)

	// Pool settings
	MaxConnections int           // Maximum idle connections kept in the pool
	MaxIdleTime    time.Duration // Maximum idle time before a connection is discarded
	HealthCheck    time.Duration // Health check interval, 0 disables

	// Dial retry settings
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:        30 * time.Second,
		UseTLS:         true,
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// PooledConnection is a directory connection owned by a pool.
type PooledConnection struct {
	conn       *ldap.Conn
	lastUsed   time.Time
	healthy    bool
	borrowed   atomic.Bool
	serverInfo *ServerInfo
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle     int           // Connections waiting in the pool
	Active   int64         // Connections currently borrowed
	Acquired int64         // Total successful Acquire calls
	Released int64         // Total Release calls that returned a borrowed connection
	Created  int64         // Total connections dialled
	Errors   int64         // Total dial errors
	Uptime   time.Duration // Pool uptime
}

// ConnectionError represents a failure to obtain a directory connection.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
