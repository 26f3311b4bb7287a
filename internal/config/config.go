package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "YARDLEDGER"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultLogLevel          = "info"
	defaultSessionIssuer     = "yardledger-auth"
	defaultCookieName        = "app_session"
	defaultReconcileRole     = "supervisor"
	defaultStoreDriver       = StoreDriverSheet
	defaultSheetPath         = "yardledger.xlsx"
	defaultDatabasePath      = "yardledger.db"
	defaultStoreTimeout      = 10 * time.Second
	defaultTimezone          = "Asia/Seoul"
	defaultAttendanceTable   = "attendance"
	defaultManifestTable     = "manifests"
	defaultRecordType        = "01"
	defaultWasteAPITimeout   = 15 * time.Second
	defaultReportSchedule    = "@every 10m"
	defaultBacklogPath       = "yardledger-backlog.db"
	defaultHeartbeatInterval = 15 * time.Second
)

const (
	StoreDriverSheet  = "sheet"
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	LogLevel          string

	SigningSecret string
	SessionIssuer string
	CookieName    string
	ReconcileRole string

	StoreDriver  string
	SheetPath    string
	DatabasePath string
	StoreTimeout time.Duration

	Timezone        string
	Location        *time.Location
	AttendanceTable string
	ManifestTable   string

	WasteAPI WasteAPIConfig

	ReportSchedule string
	// BacklogPath is the SQLite journal for the reconciliation backlog; empty keeps it in memory.
	BacklogPath string
}

// WasteAPIConfig holds the regulator connection settings.
type WasteAPIConfig struct {
	BaseURL          string
	Username         string
	Password         string
	IssuerCode       string
	RecordType       string
	CertificationKey string
	Timeout          time.Duration
}

// LoadDotEnv loads variables from the given .env files into the process environment
// without overriding values that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.reconcile_role", defaultReconcileRole)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.sheet_path", defaultSheetPath)
	configViper.SetDefault("store.database_path", defaultDatabasePath)
	configViper.SetDefault("store.timeout", defaultStoreTimeout)
	configViper.SetDefault("ledger.timezone", defaultTimezone)
	configViper.SetDefault("ledger.attendance_table", defaultAttendanceTable)
	configViper.SetDefault("ledger.manifest_table", defaultManifestTable)
	configViper.SetDefault("wasteapi.base_url", "")
	configViper.SetDefault("wasteapi.username", "")
	configViper.SetDefault("wasteapi.password", "")
	configViper.SetDefault("wasteapi.issuer_code", "")
	configViper.SetDefault("wasteapi.record_type", defaultRecordType)
	configViper.SetDefault("wasteapi.certification_key", "")
	configViper.SetDefault("wasteapi.timeout", defaultWasteAPITimeout)
	configViper.SetDefault("reconcile.report_schedule", defaultReportSchedule)
	configViper.SetDefault("reconcile.backlog_path", defaultBacklogPath)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat_interval"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		ReconcileRole:     strings.TrimSpace(configViper.GetString("auth.reconcile_role")),
		StoreDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		SheetPath:         configViper.GetString("store.sheet_path"),
		DatabasePath:      configViper.GetString("store.database_path"),
		StoreTimeout:      configViper.GetDuration("store.timeout"),
		Timezone:          configViper.GetString("ledger.timezone"),
		AttendanceTable:   strings.TrimSpace(configViper.GetString("ledger.attendance_table")),
		ManifestTable:     strings.TrimSpace(configViper.GetString("ledger.manifest_table")),
		WasteAPI: WasteAPIConfig{
			BaseURL:          strings.TrimSpace(configViper.GetString("wasteapi.base_url")),
			Username:         configViper.GetString("wasteapi.username"),
			Password:         configViper.GetString("wasteapi.password"),
			IssuerCode:       configViper.GetString("wasteapi.issuer_code"),
			RecordType:       configViper.GetString("wasteapi.record_type"),
			CertificationKey: configViper.GetString("wasteapi.certification_key"),
			Timeout:          configViper.GetDuration("wasteapi.timeout"),
		},
		ReportSchedule: configViper.GetString("reconcile.report_schedule"),
		BacklogPath:    strings.TrimSpace(configViper.GetString("reconcile.backlog_path")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("ledger.timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = location

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.StoreDriver {
	case StoreDriverSheet:
		if strings.TrimSpace(c.SheetPath) == "" {
			return fmt.Errorf("store.sheet_path is required for the sheet driver")
		}
	case StoreDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("store.database_path is required for the sqlite driver")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver must be one of %s, %s, %s; got %q",
			StoreDriverSheet, StoreDriverSQLite, StoreDriverMemory, c.StoreDriver)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store.timeout must be positive")
	}
	if c.AttendanceTable == "" || c.ManifestTable == "" {
		return fmt.Errorf("ledger.attendance_table and ledger.manifest_table are required")
	}
	if c.AttendanceTable == c.ManifestTable {
		return fmt.Errorf("ledger.attendance_table and ledger.manifest_table must differ")
	}
	if c.WasteAPI.BaseURL == "" {
		return fmt.Errorf("wasteapi.base_url is required")
	}
	if c.WasteAPI.Timeout <= 0 {
		return fmt.Errorf("wasteapi.timeout must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma-separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
