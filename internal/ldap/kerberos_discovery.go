package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
)

// defaultKrb5ConfPath is consulted when no krb5.conf path is configured.
var defaultKrb5ConfPath = "/etc/krb5.conf"

// resolveKrb5Conf returns the krb5.conf path to hand to the GSSAPI client.
// An explicit path must exist. Without one the system file is used, and when
// that is absent a runtime configuration relying on DNS KDC discovery is
// written to a temporary file. The returned cleanup removes that file.
func resolveKrb5Conf(ctx context.Context, cfg KerberosConfig) (string, func(), error) {
	noop := func() {}

	if cfg.ConfigPath != "" {
		if !fileExists(cfg.ConfigPath) {
			return "", noop, fmt.Errorf("kerberos configuration file not found at %s", cfg.ConfigPath)
		}
		return cfg.ConfigPath, noop, nil
	}

	if fileExists(defaultKrb5ConfPath) {
		return defaultKrb5ConfPath, noop, nil
	}

	content, err := generateRuntimeKrb5Conf(ctx, cfg.Realm)
	if err != nil {
		return "", noop, err
	}

	f, err := os.CreateTemp("", "ldap-authn-krb5-*.conf")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create runtime krb5.conf: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}

	return f.Name(), cleanup, nil
}

// generateRuntimeKrb5Conf builds a krb5.conf for realm that discovers KDCs via DNS SRV records.
func generateRuntimeKrb5Conf(ctx context.Context, realm string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm = strings.ToUpper(realm)
	domain := strings.ToLower(realm)

	content := fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`,
		realm,
		realm,
		domain, realm,
		domain, realm,
	)

	if _, err := krb5config.NewFromString(content); err != nil {
		return "", fmt.Errorf("generated krb5.conf is invalid: %w", err)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Generated runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	return content, nil
}
