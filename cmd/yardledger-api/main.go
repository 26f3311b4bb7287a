package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/config"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/database"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger/sheetstore"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/server"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/wasteapi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "yardledger-api",
		Short: "Yard attendance and waste manifest ledger service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("store-driver", defaults.GetString("store.driver"), "Ledger store driver (sheet, sqlite, memory)")
	cmd.PersistentFlags().String("sheet-path", defaults.GetString("store.sheet_path"), "Workbook path for the sheet driver")
	cmd.PersistentFlags().String("database-path", defaults.GetString("store.database_path"), "SQLite database path for the sqlite driver")
	cmd.PersistentFlags().String("timezone", defaults.GetString("ledger.timezone"), "Business time zone for attendance dates")
	cmd.PersistentFlags().String("wasteapi-base-url", defaults.GetString("wasteapi.base_url"), "Regulator API base URL")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "store.driver", "store-driver")
	bindFlag(cmd, "store.sheet_path", "sheet-path")
	bindFlag(cmd, "store.database_path", "database-path")
	bindFlag(cmd, "ledger.timezone", "timezone")
	bindFlag(cmd, "wasteapi.base_url", "wasteapi-base-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		roles       []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a kiosk or scale-house terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := attendance.NewUserID(userID); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.Identity{
				UserID:      userID,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier the token is issued for")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name embedded in the token")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the token holder (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to 12h)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func openStore(appConfig config.AppConfig, logger *zap.Logger) (ledger.Store, func(), error) {
	switch appConfig.StoreDriver {
	case config.StoreDriverSheet:
		store, err := sheetstore.Open(appConfig.SheetPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case config.StoreDriverSQLite:
		db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		store, err := database.NewStore(db, logger)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return store, func() { sqlDB.Close() }, nil
	default:
		logger.Warn("using in-memory ledger store; data will not survive a restart")
		return ledger.NewMemoryStore(), func() {}, nil
	}
}

func openBacklogJournal(appConfig config.AppConfig, logger *zap.Logger) (manifest.BacklogJournal, func(), error) {
	if appConfig.BacklogPath == "" {
		logger.Warn("reconciliation backlog is held in memory only and is lost on restart")
		return nil, func() {}, nil
	}
	db, err := database.OpenSQLite(appConfig.BacklogPath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	journal, err := database.NewBacklogJournal(db, logger)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return journal, func() { sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	realtime := server.NewRealtimeDispatcher()

	guard, err := ledger.NewGuard(ledger.GuardConfig{
		Store:    store,
		Timeout:  appConfig.StoreTimeout,
		Listener: realtime,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	regulator, err := wasteapi.NewClient(wasteapi.Config{
		BaseURL:    appConfig.WasteAPI.BaseURL,
		Username:   appConfig.WasteAPI.Username,
		Password:   appConfig.WasteAPI.Password,
		IssuerCode: appConfig.WasteAPI.IssuerCode,
		RecordType: appConfig.WasteAPI.RecordType,
		Timeout:    appConfig.WasteAPI.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	attendanceService, err := attendance.NewService(attendance.ServiceConfig{
		Guard:     guard,
		TableName: appConfig.AttendanceTable,
		Location:  appConfig.Location,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	journal, closeJournal, err := openBacklogJournal(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	manifestService, err := manifest.NewService(manifest.ServiceConfig{
		Guard:                   guard,
		TableName:               appConfig.ManifestTable,
		Regulator:               regulator,
		DefaultCertificationKey: appConfig.WasteAPI.CertificationKey,
		Journal:                 journal,
		Logger:                  logger,
	})
	if err != nil {
		return err
	}
	if _, err := manifestService.RestoreBacklog(ctx); err != nil {
		return err
	}

	tables := []ledger.Table{attendanceService.Table(), manifestService.Table()}
	if err := guard.Provision(ctx, tables...); err != nil {
		return err
	}

	reporter, err := manifest.NewBacklogReporter(manifest.ReporterConfig{
		Source:   manifestService,
		Schedule: appConfig.ReportSchedule,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reporter.Start()
	defer reporter.Stop(context.Background())

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Attendance:        attendanceService,
		Manifests:         manifestService,
		Ledger:            guard,
		Tables:            tables,
		Realtime:          realtime,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
		ReconcileRole:     appConfig.ReconcileRole,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver),
			zap.String("timezone", appConfig.Timezone))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		reporter.Stop(shutdownCtx)
		reporter.Report()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
