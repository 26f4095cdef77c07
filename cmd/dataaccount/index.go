package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/auth"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/config"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/database"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/indexer"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/metrics"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type indexRunner func(ctx context.Context) (indexer.PassState, error)

func newIndexCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Mirror committed data account writes into DataAccountIndex and serve the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("http-address", defaults.GetString("http.address"), "Query API listen address (empty disables the API)")
	flags.Duration("poll-interval", defaults.GetDuration("indexer.poll_interval"), "Idle delay between passes")
	flags.Int("max-changes", defaults.GetInt("indexer.max_changes"), "Stop after this many mirror changes (0 runs until interrupted)")
	flags.Int("signature-limit", defaults.GetInt("indexer.signature_limit"), "Signatures fetched per pass")

	bindFlag(flags, "http.address", "http-address")
	bindFlag(flags, "indexer.poll_interval", "poll-interval")
	bindFlag(flags, "indexer.max_changes", "max-changes")
	bindFlag(flags, "indexer.signature_limit", "signature-limit")
	return cmd
}

func runIndexer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	programID, err := appConfig.ProgramID()
	if err != nil {
		return err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := mirror.NewStore(mirror.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	rpcLedger, err := newLedger(appConfig, logger)
	if err != nil {
		return err
	}
	stateReader, err := reader.New(reader.Config{
		Ledger:     rpcLedger,
		ProgramID:  programID,
		Commitment: appConfig.Commitment,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	dispatcher := server.NewRealtimeDispatcher()
	indexService, err := indexer.NewService(indexer.Config{
		History:        rpcLedger,
		Reader:         stateReader,
		Store:          store,
		ProgramID:      programID,
		PollInterval:   appConfig.PollInterval,
		MaxChanges:     appConfig.MaxChanges,
		SignatureLimit: appConfig.SignatureLimit,
		Sink:           dispatcher,
		Metrics:        collector,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	var handler http.Handler
	if appConfig.HTTPAddress != "" {
		var tokens server.TokenValidator
		if appConfig.AuthEnabled() {
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			tokens = issuer
		}
		handler, err = server.NewHTTPHandler(server.Dependencies{
			Store:        store,
			Reader:       stateReader,
			Realtime:     dispatcher,
			TokenManager: tokens,
			Indexer:      indexService,
			Metrics:      collector,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
	}

	var listener net.Listener
	if handler != nil {
		listener, err = net.Listen("tcp", appConfig.HTTPAddress)
		if err != nil {
			return err
		}
	}
	return serveWhileIndexing(ctx, indexService.Run, listener, handler, logger)
}

// serveWhileIndexing runs the indexer and, when listener is set, serves handler on it.
// The server stays up after the indexer reaches its change threshold and stops only
// when ctx is cancelled or serving fails.
func serveWhileIndexing(ctx context.Context, run indexRunner, listener net.Listener, handler http.Handler, logger *zap.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var httpServer *http.Server
	errCh := make(chan error, 1)
	if listener != nil {
		httpServer = &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("server starting", zap.String("address", listener.Addr().String()))
			err := httpServer.Serve(listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				cancel()
			}
		}()
	}

	state, runErr := run(runCtx)
	logger.Info("indexer finished",
		zap.Int("passes", state.Passes),
		zap.Int("changes", state.ChangesSoFar))

	if httpServer != nil {
		if runErr == nil && runCtx.Err() == nil {
			logger.Info("query API serving until interrupted", zap.String("address", listener.Addr().String()))
			<-runCtx.Done()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown failed", zap.Error(err))
		}
	}

	select {
	case err := <-errCh:
		return err
	default:
	}
	return runErr
}
