package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telekom/ghauth/pkg/ghauth/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ghauth configuration",
	}
	cmd.AddCommand(
		newConfigInitCommand(),
		newConfigViewCommand(),
	)
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var (
		clientID     string
		clientSecret string
		requiredOrg  string
		tokenStorage string
		callbackPort int
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a ghauth config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			path := rt.configPath
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config already exists: %s", path)
				}
			}
			cfg := config.DefaultConfig()
			cfg.ClientID = clientID
			cfg.ClientSecret = clientSecret
			cfg.RequiredOrg = requiredOrg
			cfg.TokenStorage = tokenStorage
			cfg.CallbackPort = callbackPort
			cfg.DeviceFlow = rt.deviceFlow
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, &cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "Initialized config at %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "GitHub OAuth app client ID")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "GitHub OAuth app client secret")
	cmd.Flags().StringVar(&requiredOrg, "required-org", "", "Organization the user must belong to")
	cmd.Flags().StringVar(&tokenStorage, "token-storage", config.TokenStorageFile, "Token storage backend: file or keychain")
	cmd.Flags().IntVar(&callbackPort, "callback-port", config.DefaultConfig().CallbackPort, "Local port for the browser callback")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config")

	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}

func newConfigViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.EnsureConfigLoaded(); err != nil {
				return err
			}
			out, err := config.Render(*rt.cfg)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = rt.Writer().Write(out)
			return err
		},
	}
}
