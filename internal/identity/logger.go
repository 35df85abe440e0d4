package identity

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "identity"

// initializeLogging registers the identity subsystem on ctx.
// The level is read from LDAP_AUTHN_LOG_IDENTITY.
func initializeLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem,
		tflog.WithLevelFromEnv("LDAP_AUTHN_LOG_IDENTITY"))
}
