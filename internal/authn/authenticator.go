package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldap-authn/internal/config"
	"github.com/isometry/ldap-authn/internal/filter"
	"github.com/isometry/ldap-authn/internal/identity"
	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// ReservedIdentifier can never authenticate through the directory.
const ReservedIdentifier = "admin"

// noAttributes requests no attributes from a search (RFC 4511 section 4.5.1.8).
const noAttributes = "1.1"

var errEmptySecret = errors.New("empty secret")

// ConfigSource returns the snapshot an attempt runs with.
type ConfigSource interface {
	Current() *config.AuthConfig
}

// Provisioner ensures a local identity exists for an authenticated user.
type Provisioner interface {
	EnsureIdentity(ctx context.Context, cfg *config.AuthConfig, name string, conn ldapclient.Conn) (*identity.Identity, error)
}

// Authenticator checks credentials against the directory.
// It is safe for concurrent use.
type Authenticator struct {
	provider    ldapclient.Provider
	config      ConfigSource
	provisioner Provisioner
	reserved    []string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithProvisioner sets the provisioner run after a successful attempt
// when account creation is enabled.
func WithProvisioner(p Provisioner) Option {
	return func(a *Authenticator) {
		a.provisioner = p
	}
}

// WithReservedIdentifiers rejects additional identifiers besides ReservedIdentifier.
func WithReservedIdentifiers(names ...string) Option {
	return func(a *Authenticator) {
		a.reserved = append(a.reserved, names...)
	}
}

// NewAuthenticator creates an Authenticator borrowing connections from provider.
func NewAuthenticator(provider ldapclient.Provider, cfg ConfigSource, opts ...Option) *Authenticator {
	a := &Authenticator{
		provider: provider,
		config:   cfg,
		reserved: []string{ReservedIdentifier},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate runs one attempt with the configuration current at its start.
//
// The directory is never contacted for an empty or reserved identifier. A
// connection, once acquired, is released exactly once whatever the outcome.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) Result {
	ctx = initializeLogging(ctx)
	ctx = tflog.SubsystemSetField(ctx, Subsystem, "identifier", creds.Identifier)
	defer clear(creds.Secret)

	start := time.Now()
	cfg := a.config.Current()

	result := a.authenticate(ctx, cfg, creds)
	result.Identifier = creds.Identifier
	result.Duration = time.Since(start)

	logResult(ctx, result)
	return result
}

func (a *Authenticator) authenticate(ctx context.Context, cfg *config.AuthConfig, creds Credentials) (result Result) {
	if reason := a.precheck(creds.Identifier); reason != "" {
		return denied(StepPrecheck, reason, nil)
	}

	conn, err := a.provider.Acquire(ctx)
	if err != nil {
		return unavailable(StepAcquire, "no directory connection", err)
	}
	defer a.provider.Release(conn)

	step := StepBindService
	defer func() {
		if r := recover(); r != nil {
			result = denied(step, "unexpected error", fmt.Errorf("panic: %v", r))
		}
	}()

	if err := bindService(ctx, cfg, conn); err != nil {
		return unavailable(step, "service account bind failed", err)
	}

	step = StepSearchUser
	entry, err := searchUser(ctx, cfg, conn, creds.Identifier)
	if err != nil {
		return denied(step, "user search failed", err)
	}
	if entry == nil {
		return denied(step, "user not found", nil)
	}

	step = StepResolveEntry
	dn := resolveEntry(entry)

	step = StepBindUser
	if len(creds.Secret) == 0 {
		return denied(step, "bad credentials", errEmptySecret)
	}
	if err := conn.Bind(dn, string(creds.Secret)); err != nil {
		return denied(step, "bad credentials", ldapclient.NewLDAPError("bind", dn, err))
	}

	if cfg.AuthzFilter != "" {
		step = StepAuthorize
		if err := bindService(ctx, cfg, conn); err != nil {
			return unavailable(step, "service account bind failed", err)
		}
		ok, err := authorize(cfg, conn, dn)
		if err != nil {
			return denied(step, "authorization search failed", err)
		}
		if !ok {
			return denied(step, "not authorized", nil)
		}
	}

	step = StepSuccess
	result = Result{Outcome: Authenticated, Step: step, DN: dn}
	if cfg.CreateAccount && a.provisioner != nil {
		result.Identity = a.provision(ctx, cfg, creds.Identifier, conn)
	}
	return result
}

// precheck returns a denial reason for identifiers that must not reach the directory.
func (a *Authenticator) precheck(identifier string) string {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return "empty identifier"
	}
	for _, name := range a.reserved {
		if strings.EqualFold(trimmed, name) {
			return "reserved identifier"
		}
	}
	return ""
}

// provision runs the provisioner; its failures never change the outcome.
func (a *Authenticator) provision(ctx context.Context, cfg *config.AuthConfig, name string, conn ldapclient.Conn) (created *identity.Identity) {
	defer func() {
		if r := recover(); r != nil {
			tflog.SubsystemError(ctx, Subsystem, "Provisioning panicked", map[string]any{
				"error": fmt.Sprint(r),
			})
			created = nil
		}
	}()

	created, err := a.provisioner.EnsureIdentity(ctx, cfg, name, conn)
	if err != nil {
		tflog.SubsystemError(ctx, Subsystem, "Provisioning failed", map[string]any{
			"error": err.Error(),
		})
		return nil
	}
	return created
}

func bindService(ctx context.Context, cfg *config.AuthConfig, conn ldapclient.Conn) error {
	if cfg.UsesKerberos() {
		return ldapclient.KerberosBind(ctx, conn, ldapclient.KerberosConfig{
			Principal:  cfg.KerberosPrincipal,
			Password:   cfg.ServicePassword,
			Realm:      cfg.KerberosRealm,
			Keytab:     cfg.KerberosKeytab,
			ConfigPath: cfg.KerberosConfig,
			SPN:        cfg.KerberosSPN,
		})
	}

	if err := conn.Bind(cfg.ServiceDN, cfg.ServicePassword); err != nil {
		return ldapclient.NewLDAPError("bind", cfg.ServiceDN, err)
	}
	return nil
}

// searchUser returns the first entry matching the user filter, or nil.
// Only the attributes needed to resolve an alias are requested.
func searchUser(ctx context.Context, cfg *config.AuthConfig, conn ldapclient.Conn, identifier string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter.Render(cfg.UserFilter, identifier),
		[]string{ldapclient.AttrObjectClass, ldapclient.AttrAliasedObjectName},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return nil, ldapclient.NewLDAPError("search", cfg.BaseDN, err)
	}

	if len(result.Entries) == 0 {
		return nil, nil
	}
	if len(result.Entries) > 1 {
		tflog.SubsystemWarn(ctx, Subsystem, "User filter matched several entries, using the first", map[string]any{
			"count": len(result.Entries),
		})
	}
	return result.Entries[0], nil
}

// resolveEntry returns the DN to bind as: the alias target for an alias entry,
// otherwise the entry's own DN.
func resolveEntry(entry *ldap.Entry) string {
	if target := ldapclient.AliasTarget(entry); target != "" {
		return target
	}
	return entry.DN
}

// authorize reports whether the entry at dn matches the authorization filter.
func authorize(cfg *config.AuthConfig, conn ldapclient.Conn, dn string) (bool, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		filter.Normalize(cfg.AuthzFilter),
		[]string{noAttributes},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		return false, ldapclient.NewLDAPError("search", dn, err)
	}
	return len(result.Entries) > 0, nil
}
