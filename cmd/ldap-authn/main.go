// Command ldap-authn checks credentials against an LDAP directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, exit.err)
		}
		stop()
		os.Exit(exit.code)
	}

	fmt.Fprintln(os.Stderr, err)
	stop()
	os.Exit(exitUnavailable)
}
