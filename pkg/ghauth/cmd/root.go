package cmd

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/telekom/ghauth/pkg/ghauth/auth"
	"github.com/telekom/ghauth/pkg/ghauth/config"
	"github.com/telekom/ghauth/pkg/metrics"
	"github.com/telekom/ghauth/pkg/system"
)

type Config struct {
	ConfigPath     string
	CredentialPath string
	OutputWriter   io.Writer
	ErrWriter      io.Writer
}

type runtimeState struct {
	configPath     string
	credentialPath string
	metricsFile    string
	deviceFlow     bool
	verbose        bool
	cfg            *config.Config
	log            *zap.SugaredLogger
	writer         io.Writer
	errWriter      io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:     config.DefaultConfigPath(),
		CredentialPath: config.DefaultCredentialPath(),
		OutputWriter:   os.Stdout,
		ErrWriter:      os.Stderr,
	}
}

// Execute runs the command tree with args under ctx and writes the metrics
// textfile afterwards when --metrics-file is set, also for failed commands.
func Execute(ctx context.Context, cfg Config, args []string) error {
	root := NewRootCommand(cfg)
	rt, err := getRuntime(root)
	if err != nil {
		return err
	}
	root.SetContext(context.WithValue(ctx, runtimeKey{}, rt))
	root.SetArgs(args)
	err = root.Execute()

	if rt.metricsFile != "" {
		if mErr := metrics.WriteTextfile(rt.metricsFile); mErr != nil {
			rt.logger().Warnw("Failed to write metrics file", "path", rt.metricsFile, "error", mErr)
		}
	}
	return err
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath:     cfg.ConfigPath,
		credentialPath: cfg.CredentialPath,
		writer:         cfg.OutputWriter,
		errWriter:      cfg.ErrWriter,
	}

	root := &cobra.Command{
		Use:           "ghauth",
		Short:         "Authenticate against GitHub via OAuth",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.configPath == "" {
				rt.configPath = config.DefaultConfigPath()
			}
			if rt.credentialPath == "" {
				rt.credentialPath = config.DefaultCredentialPath()
			}

			// Skip config loading for commands that don't need it
			if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
				return nil
			}
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return rt.EnsureConfigLoaded()
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().BoolVar(&rt.deviceFlow, "device", false, "Use the device flow instead of the browser")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&rt.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newStatusCommand(),
		newTokenCommand(),
		NewConfigCommand(),
		NewCompletionCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, errors.New("runtime not initialized")
	}
	rt, ok := ctx.Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) EnsureConfigLoaded() error {
	if rt.cfg != nil {
		return nil
	}
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return err
	}
	if rt.deviceFlow {
		cfg.DeviceFlow = true
	}
	level := cfg.LogLevel
	if rt.verbose {
		level = "debug"
	}
	log, err := system.NewLogger(level, rt.ErrWriter())
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.log = log
	return nil
}

func (rt *runtimeState) Authenticator() (*auth.Authenticator, error) {
	if err := rt.EnsureConfigLoaded(); err != nil {
		return nil, err
	}
	oauthCfg, err := rt.cfg.OAuth()
	if err != nil {
		return nil, err
	}
	store := rt.cfg.CredentialStore(rt.credentialPath)
	return auth.NewAuthenticator(oauthCfg, store, rt.ErrWriter(), rt.log)
}

// Store returns the configured credential store without building any HTTP
// client, so local operations work even when the TLS settings are broken.
func (rt *runtimeState) Store() (auth.CredentialStore, error) {
	if err := rt.EnsureConfigLoaded(); err != nil {
		return nil, err
	}
	return rt.cfg.CredentialStore(rt.credentialPath), nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

// ErrWriter receives logs and the login prompts, keeping stdout clean for
// "ghauth token".
func (rt *runtimeState) ErrWriter() io.Writer {
	if rt.errWriter != nil {
		return rt.errWriter
	}
	return os.Stderr
}

func (rt *runtimeState) logger() *zap.SugaredLogger {
	if rt.log == nil {
		return zap.NewNop().Sugar()
	}
	return rt.log
}
