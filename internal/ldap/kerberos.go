package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// KerberosConfig describes a GSSAPI bind for the service account.
type KerberosConfig struct {
	Principal  string // Service account principal, optionally principal@REALM
	Password   string // Used when no keytab is available
	Realm      string
	Keytab     string // Path to a keytab for Principal
	ConfigPath string // Path to krb5.conf, defaults to /etc/krb5.conf or DNS discovery
	SPN        string // Explicit service principal, defaults to ldap/<server host>
}

// serverInfoer is implemented by connections that know which server they reach.
type serverInfoer interface {
	ServerInfo() *ServerInfo
}

// KerberosBind performs a GSSAPI bind on conn as the configured principal.
func KerberosBind(ctx context.Context, conn Conn, cfg KerberosConfig) error {
	ctx = initializeLogging(ctx)

	if err := prepareKerberosConfig(&cfg); err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	var server *ServerInfo
	if si, ok := conn.(serverInfoer); ok {
		server = si.ServerInfo()
	}

	spn, err := buildServicePrincipal(cfg, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	client, err := createGSSAPIClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	tflog.SubsystemDebug(ctx, Subsystem, "Performing GSSAPI bind", map[string]any{
		"principal": cfg.Principal,
		"realm":     cfg.Realm,
		"spn":       spn,
	})

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient prefers a keytab over a password.
func createGSSAPIClient(ctx context.Context, cfg KerberosConfig) (*gssapi.Client, error) {
	hasKeytab := cfg.Keytab != "" && fileExists(cfg.Keytab)
	if !hasKeytab && cfg.Password == "" {
		return nil, fmt.Errorf("no keytab or password available for principal %s", cfg.Principal)
	}

	krb5conf, cleanup, err := resolveKrb5Conf(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// gokrb5 reads the file while constructing the client.
	defer cleanup()

	if hasKeytab {
		return gssapi.NewClientWithKeytab(cfg.Principal, cfg.Realm, cfg.Keytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return gssapi.NewClientWithPassword(cfg.Principal, cfg.Realm, cfg.Password, krb5conf, krb5client.DisablePAFXFAST(true))
}

// buildServicePrincipal returns cfg.SPN, or ldap/<host> for the connected server.
func buildServicePrincipal(cfg KerberosConfig, server *ServerInfo) (string, error) {
	if cfg.SPN != "" {
		return cfg.SPN, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("server host is required for service principal")
	}

	return "ldap/" + server.Host, nil
}

// prepareKerberosConfig splits the realm off the principal and validates cfg in place.
func prepareKerberosConfig(cfg *KerberosConfig) error {
	if principal, realm, ok := strings.Cut(cfg.Principal, "@"); ok {
		cfg.Principal = principal
		if cfg.Realm == "" {
			cfg.Realm = realm
		}
	}

	if cfg.Realm == "" {
		return fmt.Errorf("kerberos realm is required")
	}

	if cfg.Principal == "" {
		return fmt.Errorf("principal is required for Kerberos authentication")
	}

	if cfg.Keytab == "" && cfg.Password == "" {
		return fmt.Errorf("either a keytab or a password is required")
	}

	return nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

var _ ldap.GSSAPIClient = (*gssapi.Client)(nil)
