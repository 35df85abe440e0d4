/*
Package ldap provides the directory connection layer used by credential authentication.

# Architecture Overview

  - Provider: the Acquire/Release contract consumed by the authentication state machine
  - ConnectionPool: a Provider backed by go-ldap connections
  - SRVDiscovery: DNS SRV lookup of directory servers
  - KerberosBind: GSSAPI bind for service accounts, with DNS KDC discovery when no krb5.conf exists
  - LDAPError: result-code classification used for logging

# Connection Management

A connection obtained from Acquire belongs to exactly one caller until it is passed
to Release. Connections are not bound by the pool: each borrower binds as the
identity it needs before searching, so a connection last bound as an end user is
safe to hand out again. Release closes connections that failed at the transport
level, idled past MaxIdleTime, or do not fit into the pool.

# Thread Safety

ConnectionPool is safe for concurrent use. A borrowed Conn is not.

# Example Usage

	config := ldap.DefaultConfig()
	config.LDAPURLs = []string{"ldaps://ldap.example.com"}

	pool, err := ldap.NewConnectionPool(ctx, config)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(conn)
*/
package ldap
