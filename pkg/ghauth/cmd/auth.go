package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telekom/ghauth/pkg/ghauth/auth"
)

func newLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authenticate with GitHub, reusing a valid cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			authenticator, err := rt.Authenticator()
			if err != nil {
				return err
			}
			if _, err := authenticator.Authenticate(cmd.Context()); err != nil {
				return err
			}
			if org := authenticator.Config.RequiredOrg; org != "" {
				_, _ = fmt.Fprintf(rt.Writer(), "Authenticated as a member of %s\n", org)
				return nil
			}
			_, _ = fmt.Fprintln(rt.Writer(), "Authenticated")
			return nil
		},
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the cached token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			store, err := rt.Store()
			if err != nil {
				return err
			}
			authenticator := &auth.Authenticator{Store: store, Log: rt.logger()}
			removed, err := authenticator.Logout()
			if err != nil {
				return err
			}
			if !removed {
				_, _ = fmt.Fprintln(rt.Writer(), "Not logged in")
				return nil
			}
			_, _ = fmt.Fprintln(rt.Writer(), "Logged out")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a valid token is cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			authenticator, err := rt.Authenticator()
			if err != nil {
				return err
			}
			status := authenticator.Status(cmd.Context())
			switch {
			case !status.Cached:
				_, _ = fmt.Fprintln(rt.Writer(), "Not authenticated")
			case !status.Valid:
				_, _ = fmt.Fprintf(rt.Writer(), "Cached token from %s is no longer valid, run ghauth login\n",
					status.CreatedAt.UTC().Format(time.RFC3339))
			default:
				_, _ = fmt.Fprintf(rt.Writer(), "Authenticated. Token cached at %s\n",
					status.CreatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token, logging in if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			authenticator, err := rt.Authenticator()
			if err != nil {
				return err
			}
			token, err := authenticator.Authenticate(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), token)
			return nil
		},
	}
}
