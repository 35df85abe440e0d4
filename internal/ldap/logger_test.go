package ldap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()
	var output bytes.Buffer
	ctx := tflogtest.RootLogger(context.Background(), &output)
	return initializeLogging(ctx), &output
}

func decodeLogs(t *testing.T, output *bytes.Buffer) []map[string]any {
	t.Helper()
	entries, err := tflogtest.MultilineJSONDecode(output)
	require.NoError(t, err)
	return entries
}

func TestSanitizeFields(t *testing.T) {
	fields := SanitizeFields(map[string]any{
		"Password": "hunter2",
		"secret":   "s",
		"filter":   "(uid=alice)",
		"error":    "bind failed: password=hunter2",
		"count":    3,
	})

	assert.Equal(t, "[REDACTED]", fields["Password"])
	assert.Equal(t, "[REDACTED]", fields["secret"])
	assert.Equal(t, "[REDACTED]", fields["error"])
	assert.Equal(t, "(uid=alice)", fields["filter"])
	assert.Equal(t, 3, fields["count"])
}

func TestLogLDAPError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
		wantCode  float64
	}{
		{
			name:      "rejected bind",
			err:       ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
			wantLevel: "warn",
			wantCode:  ldap.LDAPResultInvalidCredentials,
		},
		{
			name:      "server failure",
			err:       ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")),
			wantLevel: "error",
			wantCode:  ldap.LDAPResultBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, output := captureLogs(t)

			LogLDAPError(ctx, Subsystem, "bind", tt.err, map[string]any{"dn": "cn=app,dc=example,dc=com"})

			entries := decodeLogs(t, output)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantLevel, entries[0]["@level"])
			assert.Equal(t, "bind", entries[0]["operation"])
			assert.Equal(t, tt.wantCode, entries[0]["ldap_result_code"])
			assert.Equal(t, "cn=app,dc=example,dc=com", entries[0]["dn"])
		})
	}
}

func TestLogPoolEvent(t *testing.T) {
	ctx, output := captureLogs(t)

	LogPoolEvent(ctx, "connection_reused", nil)
	LogPoolEvent(ctx, "double_release", map[string]any{"server": "ldap://dc1:389"})
	LogPoolEvent(ctx, "all_connections_failed", nil)

	entries := decodeLogs(t, output)
	require.Len(t, entries, 3)

	levels := []string{"debug", "warn", "error"}
	for i, entry := range entries {
		assert.Equal(t, levels[i], entry["@level"])
		assert.Equal(t, "Pool event", entry["@message"])
	}
	assert.Equal(t, "double_release", entries[1]["event"])
}

func TestLogOperation(t *testing.T) {
	ctx, output := captureLogs(t)

	require.NoError(t, LogOperation(ctx, Subsystem, "ping", nil, func() error { return nil }))
	require.Error(t, LogOperation(ctx, Subsystem, "ping", nil, func() error { return errors.New("timeout") }))

	entries := decodeLogs(t, output)
	require.Len(t, entries, 4)
	assert.Equal(t, "Operation completed successfully", entries[1]["@message"])
	assert.Equal(t, "Operation failed", entries[3]["@message"])
	assert.Equal(t, "timeout", entries[3]["error"])
	assert.Contains(t, entries[3], "duration_ms")
}
