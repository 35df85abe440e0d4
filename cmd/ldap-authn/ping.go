package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isometry/ldap-authn/internal/config"
	ldapclient "github.com/isometry/ldap-authn/internal/ldap"
)

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a directory server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			props, err := loadProperties(opts.configPath)
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

			if err := pool.Ping(ctx); err != nil {
				return &exitError{code: exitUnavailable, err: err}
			}

			stats := pool.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ok (connections created: %d, errors: %d)\n", stats.Created, stats.Errors)
			return nil
		},
	}
}
