package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/api"
	"github.com/BTreeMap/QuestPipe/internal/reminder"
	"github.com/BTreeMap/QuestPipe/internal/store"
	"github.com/BTreeMap/QuestPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/QuestPipe/internal/util"
	"github.com/BTreeMap/QuestPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for QuestPipe state data
	DefaultStateDir = "/var/lib/questpipe"
	// DefaultAppDBFileName is the default SQLite database for quests and users
	DefaultAppDBFileName = "questpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping QuestPipe", "backend", *flags.backend)
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"app_dsn_type", store.DetectDSNType(*flags.appDBDSN),
		"api_addr", *flags.apiAddr,
		"reminder_interval", *flags.reminderInterval,
		"redis_set", *flags.redisURL != "")
	if err := api.Run(waOpts, twOpts, storeOpts, apiOpts); err != nil {
		slog.Error("QuestPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("QuestPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Backend          string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	APIAddr          string
	ReminderInterval time.Duration
	JobPollInterval  time.Duration
	ShutdownTimeout  time.Duration
	RetentionDays    int
	NumericCode      bool
	RedisURL         string
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	appDBDSN         *string
	whatsappDBDSN    *string
	backend          *string
	twilioSID        *string
	twilioToken      *string
	twilioFrom       *string
	apiAddr          *string
	reminderInterval *time.Duration
	jobPollInterval  *time.Duration
	shutdownTimeout  *time.Duration
	retentionDays    *int
	redisURL         *string
	logLevel         *string
}

// parseLogLevel maps debug|info|warn|error onto slog levels; anything else is debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("QUESTPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Backend:          os.Getenv("MESSAGING_BACKEND"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		APIAddr:          os.Getenv("API_ADDR"),
		ReminderInterval: util.ParseDurationEnv("REMINDER_INTERVAL", reminder.DefaultInterval),
		JobPollInterval:  util.ParseDurationEnv("JOB_POLL_INTERVAL", store.DefaultJobPollInterval),
		ShutdownTimeout:  util.ParseDurationEnv("SHUTDOWN_TIMEOUT", api.DefaultShutdownTimeout),
		RetentionDays:    util.ParseIntEnv("INBOUND_RETENTION_DAYS", api.DefaultInboundRetentionDays),
		NumericCode:      util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		RedisURL:         os.Getenv("REDIS_URL"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No QUESTPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	// A shared Postgres serves both stores; SQLite keeps the session in its own file.
	if config.WhatsAppDBDSN == "" {
		if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypePostgres {
			config.WhatsAppDBDSN = config.ApplicationDBDSN
			slog.Debug("Using DATABASE_URL as WHATSAPP_DB_DSN", "dsn_set", true)
		} else {
			config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		}
	}
	if config.Backend == "" {
		config.Backend = api.BackendWhatsApp
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"QUESTPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"MESSAGING_BACKEND", config.Backend,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"API_ADDR", config.APIAddr,
		"REMINDER_INTERVAL", config.ReminderInterval,
		"JOB_POLL_INTERVAL", config.JobPollInterval,
		"SHUTDOWN_TIMEOUT", config.ShutdownTimeout,
		"INBOUND_RETENTION_DAYS", config.RetentionDays,
		"WHATSAPP_NUMERIC_CODE", config.NumericCode,
		"REDIS_URL_SET", config.RedisURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := newFlags(flag.CommandLine, config)
	flag.Parse()
	applyStateDirOverride(flags, config)

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"backend", *flags.backend,
		"apiAddr", *flags.apiAddr,
		"reminderInterval", *flags.reminderInterval)
	return flags
}

func newFlags(fs *flag.FlagSet, config Config) Flags {
	return Flags{
		qrOutput:         fs.String("qr-output", "", "path to write login QR code"),
		numeric:          fs.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code (overrides $WHATSAPP_NUMERIC_CODE)"),
		stateDir:         fs.String("state-dir", config.StateDir, "state directory for QuestPipe data (overrides $QUESTPIPE_STATE_DIR)"),
		appDBDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "quest database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		whatsappDBDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session DSN (overrides $WHATSAPP_DB_DSN)"),
		backend:          fs.String("backend", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		twilioSID:        fs.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:      fs.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:       fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		apiAddr:          fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		reminderInterval: fs.Duration("reminder-interval", config.ReminderInterval, "deadline scan interval (overrides $REMINDER_INTERVAL)"),
		jobPollInterval:  fs.Duration("job-poll-interval", config.JobPollInterval, "durable job poll interval (overrides $JOB_POLL_INTERVAL)"),
		shutdownTimeout:  fs.Duration("shutdown-timeout", config.ShutdownTimeout, "graceful shutdown limit (overrides $SHUTDOWN_TIMEOUT)"),
		retentionDays:    fs.Int("inbound-retention-days", config.RetentionDays, "days to keep inbound message IDs for dedup (overrides $INBOUND_RETENTION_DAYS)"),
		redisURL:         fs.String("redis-url", config.RedisURL, "Redis URL for the shared notice ledger (overrides $REDIS_URL)"),
		logLevel:         fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
}

// applyStateDirOverride moves default database paths under a state directory
// given on the command line. Explicit DSNs are left alone.
func applyStateDirOverride(flags Flags, config Config) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.appDBDSN == config.ApplicationDBDSN && config.ApplicationDBDSN == defaultAppDSN(config.StateDir) {
		*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		slog.Debug("Updated app DSN based on state directory", "new_state_dir", *flags.stateDir)
	}
	if *flags.whatsappDBDSN == config.WhatsAppDBDSN && config.WhatsAppDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
	}
}

// sqliteDir returns the directory holding a SQLite DSN's file, or "" for Postgres and in-memory DSNs.
func sqliteDir(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates the state directory and the parents of file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, sqliteDir(*flags.appDBDSN)}
	if *flags.backend == api.BackendWhatsApp {
		dirs = append(dirs, sqliteDir(*flags.whatsappDBDSN))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var twOpts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return twOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDBDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.appDBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
	}
	return storeOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithStateDir(*flags.stateDir),
		api.WithMessagingBackend(*flags.backend),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.reminderInterval > 0 {
		apiOpts = append(apiOpts, api.WithReminderInterval(*flags.reminderInterval))
	}
	if *flags.jobPollInterval > 0 {
		apiOpts = append(apiOpts, api.WithJobPollInterval(*flags.jobPollInterval))
	}
	if *flags.shutdownTimeout > 0 {
		apiOpts = append(apiOpts, api.WithShutdownTimeout(*flags.shutdownTimeout))
	}
	if *flags.retentionDays > 0 {
		apiOpts = append(apiOpts, api.WithInboundRetentionDays(*flags.retentionDays))
	}
	if *flags.redisURL != "" {
		apiOpts = append(apiOpts, api.WithRedisURL(*flags.redisURL))
	}
	return apiOpts
}
