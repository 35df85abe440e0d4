package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitAuthenticated = 0
	exitDenied        = 1
	exitUnavailable   = 2
)

// Environment variables read by the CLI.
const (
	envLogLevel        = "LDAP_AUTHN_LOG"
	envPassword        = "LDAP_AUTHN_PASSWORD"
	envServicePassword = "LDAP_AUTHN_SERVICE_PASSWORD"
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ldap-authn",
		Short: "Authenticate users against an LDAP directory",
		Long: `ldap-authn binds as a service account, finds the user entry with a filter
template, resolves aliases and binds as the user. Settings are read from a
properties file (key=value) or a JSON object using ldap.* keys.

Properties values containing '$' must be single-quoted, for example
ldap.filter.authz='(!(mail=$HOME))'; unquoted or double-quoted values would
have variables expanded and are rejected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			ctx := tfsdklog.NewRootProviderLogger(cmd.Context(),
				tfsdklog.WithLogName("ldap-authn"),
				tfsdklog.WithLevelFromEnv(envLogLevel),
			)
			cmd.SetContext(ctx)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "ldap-authn.properties",
		"Path to a properties or JSON file with ldap.* settings")

	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newPingCmd(opts))
	return cmd
}

// loadProperties reads path as JSON when it ends in .json, otherwise as key=value
// lines. LDAP_AUTHN_SERVICE_PASSWORD overrides ldap.service.password.
func loadProperties(path string) (map[string]any, error) {
	props := make(map[string]any)

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := json.Unmarshal(data, &props); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := checkUnexpanded(data); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", path, err)
		}
		values, err := godotenv.UnmarshalBytes(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		for k, v := range values {
			props[k] = v
		}
	}

	if password, ok := os.LookupEnv(envServicePassword); ok {
		props["ldap.service.password"] = password
	}

	return props, nil
}

// checkUnexpanded rejects properties whose value godotenv would alter by
// expanding $VAR references. Single-quoted values are kept literally.
func checkUnexpanded(data []byte) error {
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "export "))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		i := strings.IndexAny(line, "=:")
		if i < 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])

		if strings.HasPrefix(value, "'") {
			continue
		}
		if strings.Contains(value, "$") {
			return fmt.Errorf("line %d: value of %s contains '$', wrap it in single quotes", n+1, key)
		}
	}
	return nil
}
