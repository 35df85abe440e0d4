package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/isometry/ldap-authn/internal/authn"
	"github.com/isometry/ldap-authn/internal/config"
	"github.com/isometry/ldap-authn/internal/identity"
	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var showIdentity bool

	cmd := &cobra.Command{
		Use:   "check <identifier>",
		Short: "Check a user's credentials",
		Long: `Check prompts for the user's password (or reads LDAP_AUTHN_PASSWORD) and
prints one of: authenticated, denied, directory unavailable.

Exit status is 0 when authenticated, 1 when denied and 2 when the directory
cannot be used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			props, err := loadProperties(opts.configPath)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			store, err := config.LoadStore(props)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			directory, err := config.LoadDirectory(props)
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			pool, err := ldapclient.NewConnectionPool(ctx, directory.ConnectionConfig())
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}
			defer pool.Close()

			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			accounts := identity.NewMemoryStore()
			provisioner := identity.NewProvisioner(accounts,
				identity.WithHook(identity.HookFunc(func(ctx context.Context, created *identity.Identity, notice identity.Notice) error {
					tflog.Info(ctx, "Identity provisioned", map[string]any{
						"id":   created.ID,
						"path": notice.Path,
					})
					return nil
				})),
			)

			authenticator := authn.NewAuthenticator(pool, store, authn.WithProvisioner(provisioner))
			result := authenticator.Authenticate(ctx, authn.Credentials{
				Identifier: args[0],
				Secret:     secret,
			})

			stats := pool.Stats()
			tflog.Debug(ctx, "Connection pool statistics", map[string]any{
				"acquired": stats.Acquired,
				"released": stats.Released,
				"created":  stats.Created,
				"errors":   stats.Errors,
			})

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Outcome)
			if showIdentity && result.Identity != nil {
				printIdentity(out, result.Identity)
			}

			switch result.Outcome {
			case authn.Authenticated:
				return nil
			case authn.DirectoryUnavailable:
				return &exitError{code: exitUnavailable}
			default:
				return &exitError{code: exitDenied}
			}
		},
	}

	cmd.Flags().BoolVar(&showIdentity, "show-identity", false, "Print the provisioned identity after a successful check")
	return cmd
}

// readSecret returns LDAP_AUTHN_PASSWORD, a password typed without echo on a
// terminal, or the first line of piped input.
func readSecret(in io.Reader, prompt io.Writer) ([]byte, error) {
	if password, ok := os.LookupEnv(envPassword); ok {
		return []byte(password), nil
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return secret, nil
	}

	line, err := bufio.NewReader(in).ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func printIdentity(w io.Writer, ident *identity.Identity) {
	fmt.Fprintf(w, "id: %s\n", ident.ID)
	keys := make([]string, 0, len(ident.Attributes))
	for k := range ident.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, ident.Attributes[k])
	}
}
