package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/3scale/ovpn-pki-manager/pkg/operations"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds the state shared by the subcommands of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  logr.Logger
	sync    func() error
}

// Execute runs the command line and returns the process exit code
func Execute() int {
	root := NewRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}

// NewRootCmd builds the ovpn-pki-manager command tree
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New(), logger: logr.Discard()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:   "ovpn-pki-manager",
		Short: "Manage the client certificates of an OpenVPN server",
		Long: `ovpn-pki-manager issues, bundles and revokes the client certificates of an
OpenVPN server from a private easy-rsa style certificate authority, keeping
the issuance index, the CRL and the client profiles consistent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.sync != nil {
				a.sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (default /etc/ovpn-pki-manager/config.yaml)")
	flags.String("pki-dir", "", "authority directory")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	a.v.BindPFlag("pki.dir", flags.Lookup("pki-dir"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newInitCmd(a),
		newIssueCmd(a),
		newRevokeCmd(a),
		newListCmd(a),
		newBundleCmd(a),
		newCRLCmd(a),
		newCleanupCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) load() error {
	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName("config")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath("/etc/ovpn-pki-manager")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("unable to read config: %w", err)
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, sync, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	a.logger = logger
	a.sync = sync
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.V(1).Info("loaded configuration", "file", used)
	}
	return nil
}

func (a *app) manager(ctx context.Context) (*operations.Manager, error) {
	return operations.NewManager(ctx, a.cfg, a.logger)
}

// actor names the local operator in the audit journal
func actor() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func newLogger(c config.LogConfig) (logr.Logger, func() error, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}

	z, err := zc.Build()
	if err != nil {
		return logr.Discard(), nil, fmt.Errorf("unable to build logger: %w", err)
	}
	return zapr.NewLogger(z), z.Sync, nil
}
