package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "DATAACCOUNT"
	defaultRPCURL          = "http://localhost:8899"
	defaultCommitment      = string(rpc.CommitmentConfirmed)
	defaultConfirmTimeout  = 60 * time.Second
	defaultKeypairPath     = "~/.config/solana/id.json"
	defaultPartSize        = 914
	defaultPollInterval    = 10 * time.Second
	defaultMaxChanges      = 2
	defaultSignatureLimit  = 1000
	defaultDatabaseDriver  = "sqlite"
	defaultDatabaseDSN     = "dataaccount.db"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultAuthIssuer      = "dataaccount-indexer"
	defaultAuthAudience    = "dataaccount-api"
	defaultAuthTokenTTL    = time.Hour
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	maxSignatureLimit      = 1000
	logFormatJSON          = "json"
	logFormatConsole       = "console"
	databaseDriverSQLite   = "sqlite"
	databaseDriverPostgres = "postgres"
)

var errMissingProgramID = errors.New("program.id is required")

// AppConfig captures runtime configuration for the CLI and the indexer.
type AppConfig struct {
	RPCURL         string
	Commitment     rpc.CommitmentType
	SkipPreflight  bool
	ConfirmTimeout time.Duration

	ProgramIDRaw string
	Debug        bool

	KeypairPath string
	PartSize    int

	PollInterval   time.Duration
	MaxChanges     int
	SignatureLimit int

	DatabaseDriver string
	DatabaseDSN    string

	HTTPAddress string

	AuthSigningSecret string
	AuthIssuer        string
	AuthAudience      string
	AuthTokenTTL      time.Duration

	LogLevel  string
	LogFormat string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("rpc.url", defaultRPCURL)
	configViper.SetDefault("rpc.commitment", defaultCommitment)
	configViper.SetDefault("rpc.skip_preflight", true)
	configViper.SetDefault("rpc.confirm_timeout", defaultConfirmTimeout)
	configViper.SetDefault("program.id", "")
	configViper.SetDefault("program.debug", false)
	configViper.SetDefault("wallet.keypair_path", defaultKeypairPath)
	configViper.SetDefault("upload.part_size", defaultPartSize)
	configViper.SetDefault("indexer.poll_interval", defaultPollInterval)
	configViper.SetDefault("indexer.max_changes", defaultMaxChanges)
	configViper.SetDefault("indexer.signature_limit", defaultSignatureLimit)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		RPCURL:            strings.TrimSpace(configViper.GetString("rpc.url")),
		Commitment:        rpc.CommitmentType(strings.ToLower(strings.TrimSpace(configViper.GetString("rpc.commitment")))),
		SkipPreflight:     configViper.GetBool("rpc.skip_preflight"),
		ConfirmTimeout:    configViper.GetDuration("rpc.confirm_timeout"),
		ProgramIDRaw:      strings.TrimSpace(configViper.GetString("program.id")),
		Debug:             configViper.GetBool("program.debug"),
		KeypairPath:       expandHome(strings.TrimSpace(configViper.GetString("wallet.keypair_path"))),
		PartSize:          configViper.GetInt("upload.part_size"),
		PollInterval:      configViper.GetDuration("indexer.poll_interval"),
		MaxChanges:        configViper.GetInt("indexer.max_changes"),
		SignatureLimit:    configViper.GetInt("indexer.signature_limit"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       strings.TrimSpace(configViper.GetString("database.dsn")),
		HTTPAddress:       strings.TrimSpace(configViper.GetString("http.address")),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthAudience:      strings.TrimSpace(configViper.GetString("auth.audience")),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ProgramID parses program.id. Commands that talk to the program call it; the
// token command does not need one.
func (c AppConfig) ProgramID() (solana.PublicKey, error) {
	if c.ProgramIDRaw == "" {
		return solana.PublicKey{}, errMissingProgramID
	}
	programID, err := solana.PublicKeyFromBase58(c.ProgramIDRaw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("program.id is invalid: %w", err)
	}
	return programID, nil
}

// AuthEnabled reports whether the query API requires bearer tokens.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

func (c AppConfig) validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc.url is required")
	}
	switch c.Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		return fmt.Errorf("rpc.commitment must be processed, confirmed or finalized, got %q", c.Commitment)
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("rpc.confirm_timeout must be positive")
	}
	if c.ProgramIDRaw != "" {
		if _, err := c.ProgramID(); err != nil {
			return err
		}
	}
	if c.PartSize <= 0 || c.PartSize > defaultPartSize {
		return fmt.Errorf("upload.part_size must be between 1 and %d", defaultPartSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("indexer.poll_interval must be positive")
	}
	if c.MaxChanges < 0 {
		return fmt.Errorf("indexer.max_changes must not be negative")
	}
	if c.SignatureLimit <= 0 || c.SignatureLimit > maxSignatureLimit {
		return fmt.Errorf("indexer.signature_limit must be between 1 and %d", maxSignatureLimit)
	}
	switch c.DatabaseDriver {
	case databaseDriverSQLite, databaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.AuthEnabled() {
		if c.AuthIssuer == "" || c.AuthAudience == "" {
			return fmt.Errorf("auth.issuer and auth.audience are required when auth.signing_secret is set")
		}
		if c.AuthTokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}
	switch c.LogFormat {
	case logFormatJSON, logFormatConsole:
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
