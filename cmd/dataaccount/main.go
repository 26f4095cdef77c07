package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/client"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/config"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/ledger"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/logging"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dataaccount",
		Short:         "Data account client and indexer",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newIndexCommand(),
		newInitCommand(),
		newUploadCommand(),
		newFinalizeCommand(),
		newCloseCommand(),
		newSetAuthorityCommand(),
		newShowCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("rpc-url", defaults.GetString("rpc.url"), "Ledger JSON-RPC endpoint")
	flags.String("commitment", defaults.GetString("rpc.commitment"), "Commitment for reads and confirmations (processed, confirmed, finalized)")
	flags.Bool("skip-preflight", defaults.GetBool("rpc.skip_preflight"), "Send transactions without node-side preflight")
	flags.Duration("confirm-timeout", defaults.GetDuration("rpc.confirm_timeout"), "Bound on each confirmation wait")
	flags.String("program-id", defaults.GetString("program.id"), "Data account program address")
	flags.Bool("debug", defaults.GetBool("program.debug"), "Set the debug byte on every instruction")
	flags.String("keypair", defaults.GetString("wallet.keypair_path"), "Fee payer and authority keypair file")
	flags.String("database-driver", defaults.GetString("database.driver"), "Mirror database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Mirror database path or DSN")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Query API signing secret (overrides env)")

	bindFlag(flags, "rpc.url", "rpc-url")
	bindFlag(flags, "rpc.commitment", "commitment")
	bindFlag(flags, "rpc.skip_preflight", "skip-preflight")
	bindFlag(flags, "rpc.confirm_timeout", "confirm-timeout")
	bindFlag(flags, "program.id", "program-id")
	bindFlag(flags, "program.debug", "debug")
	bindFlag(flags, "wallet.keypair_path", "keypair")
	bindFlag(flags, "database.driver", "database-driver")
	bindFlag(flags, "database.dsn", "database-dsn")
	bindFlag(flags, "log.level", "log-level")
	bindFlag(flags, "log.format", "log-format")
	bindFlag(flags, "auth.signing_secret", "signing-secret")
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func newLedger(appConfig config.AppConfig, logger *zap.Logger) (*ledger.RPC, error) {
	return ledger.NewRPC(ledger.RPCConfig{
		Endpoint:       appConfig.RPCURL,
		SkipPreflight:  appConfig.SkipPreflight,
		ConfirmTimeout: appConfig.ConfirmTimeout,
		Logger:         logger,
	})
}

func newClient(appConfig config.AppConfig, logger *zap.Logger) (*client.Client, error) {
	programID, err := appConfig.ProgramID()
	if err != nil {
		return nil, err
	}
	payer, err := solana.PrivateKeyFromSolanaKeygenFile(appConfig.KeypairPath)
	if err != nil {
		return nil, err
	}
	rpcLedger, err := newLedger(appConfig, logger)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		Ledger:     rpcLedger,
		ProgramID:  programID,
		Payer:      payer,
		Commitment: appConfig.Commitment,
		PartSize:   appConfig.PartSize,
		Debug:      appConfig.Debug,
		Logger:     logger,
	})
}

func parseAddress(raw string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(raw)
}
