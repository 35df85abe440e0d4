/*
Package authn authenticates user credentials against an LDAP directory.

An attempt borrows one connection from an ldap.Provider and runs a fixed
sequence of steps:

 1. Acquire a connection
 2. Bind as the service account
 3. Search for the user with the configured filter template
 4. Resolve an alias entry to its target
 5. Bind as the resolved entry with the user's secret
 6. Optionally rebind as the service account and check the authorization filter
 7. Optionally provision a local identity

The first failing step decides the Result. Failures that are the user's
(unknown user, wrong secret, not authorized) are Denied; failures to reach the
directory or bind the service account are DirectoryUnavailable. The connection
is released exactly once on every path, including panics.
*/
package authn
