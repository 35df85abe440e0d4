package authn

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

// Subsystem is the tflog subsystem used by this package.
const Subsystem = "authn"

// initializeLogging registers the authn subsystem on ctx.
// The level is read from LDAP_AUTHN_LOG_AUTHN.
func initializeLogging(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, Subsystem,
		tflog.WithLevelFromEnv("LDAP_AUTHN_LOG_AUTHN"))
	return tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, Subsystem, "password", "secret")
}

// logResult writes one entry per attempt.
func logResult(ctx context.Context, result Result) {
	fields := map[string]any{
		"outcome":     result.Outcome.String(),
		"step":        string(result.Step),
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Reason != "" {
		fields["reason"] = result.Reason
	}
	if result.DN != "" {
		fields["dn"] = result.DN
	}
	if result.Cause != nil {
		fields["error"] = result.Cause.Error()
		fields["category"] = string(ldapclient.GetErrorCategory(result.Cause))
	}
	if result.Identity != nil {
		fields["identity_id"] = result.Identity.ID
	}
	fields = ldapclient.SanitizeFields(fields)

	switch result.Outcome {
	case Authenticated:
		tflog.SubsystemInfo(ctx, Subsystem, "Authentication succeeded", fields)
	case DirectoryUnavailable:
		tflog.SubsystemError(ctx, Subsystem, "Directory unavailable", fields)
	default:
		tflog.SubsystemWarn(ctx, Subsystem, "Authentication denied", fields)
	}
}
