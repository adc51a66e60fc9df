// StudyPipe runs conversational research studies over WhatsApp: it poses
// scripted questions, validates answers, tracks stage progression and exports
// the collected data through an HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/StudyPipe/StudyPipe/internal/action"
	"github.com/StudyPipe/StudyPipe/internal/api"
	"github.com/StudyPipe/StudyPipe/internal/conversation"
	"github.com/StudyPipe/StudyPipe/internal/experiment"
	"github.com/StudyPipe/StudyPipe/internal/lockfile"
	"github.com/StudyPipe/StudyPipe/internal/logchain"
	"github.com/StudyPipe/StudyPipe/internal/messaging"
	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/scheduler"
	"github.com/StudyPipe/StudyPipe/internal/stage"
	"github.com/StudyPipe/StudyPipe/internal/store"
	"github.com/StudyPipe/StudyPipe/internal/twiliowhatsapp"
	"github.com/StudyPipe/StudyPipe/internal/util"
	"github.com/StudyPipe/StudyPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StudyPipe state data
	DefaultStateDir = "/var/lib/studypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "studypipe.db"
	// DefaultStageUpdateTime is the local time of the daily stage-day update
	DefaultStageUpdateTime = "00:05"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	WhatsAppDSN      string
	StateDir         string
	APIAddr          string
	ExperimentConfig string
	Backend          string
	StageUpdateTime  string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	dbDSN            *string
	apiAddr          *string
	experimentConfig *string
	backend          *string
	stageUpdateTime  *string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("StudyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("StudyPipe exited successfully")
}

func run(flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	cfg, err := experiment.Load(*flags.experimentConfig)
	if err != nil {
		return fmt.Errorf("failed to load experiment configuration: %w", err)
	}
	slog.Info("Experiment configuration loaded", "experimentID", cfg.ExperimentID, "questions", len(cfg.Questions))

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	chain := logchain.NewChain(st)
	engine := conversation.NewEngine(st, chain, cfg)
	stages := stage.NewMachine(st, cfg)
	interp := action.NewInterpreter(st)

	msgService, twilioSvc, err := buildMessagingService(flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	router := messaging.NewRouter(st, engine, interp, msgService)
	router.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleStageUpdates(sched, st, stages, *flags.stageUpdateTime); err != nil {
		return err
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, cfg, engine, stages, chain, msgService, router, sched, twilioSvc, apiOpts...)

	slog.Info("StudyPipe bootstrapped", "backend", *flags.backend, "state_dir", *flags.stateDir)
	return server.Start(ctx)
}

// initializeLogger sets up structured logging. STUDYPIPE_DEBUG=false drops
// the level to info.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("STUDYPIPE_DEBUG", true) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:         os.Getenv("STUDYPIPE_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		ExperimentConfig: os.Getenv("EXPERIMENT_CONFIG"),
		Backend:          os.Getenv("MESSAGING_BACKEND"),
		StageUpdateTime:  os.Getenv("STAGE_UPDATE_TIME"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No STUDYPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Backend == "" {
		config.Backend = "whatsapp"
	}
	if config.StageUpdateTime == "" {
		config.StageUpdateTime = DefaultStageUpdateTime
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"STUDYPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"EXPERIMENT_CONFIG", config.ExperimentConfig,
		"MESSAGING_BACKEND", config.Backend,
		"STAGE_UPDATE_TIME", config.StageUpdateTime)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:         flag.String("qr-output", "", "path to write login QR code"),
		numeric:          flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for StudyPipe data (overrides $STUDYPIPE_STATE_DIR)"),
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN for the participant store (overrides $DATABASE_URL)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		experimentConfig: flag.String("experiment-config", config.ExperimentConfig, "path to the experiment configuration file (overrides $EXPERIMENT_CONFIG)"),
		backend:          flag.String("messaging", config.Backend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)"),
		stageUpdateTime:  flag.String("stage-update-time", config.StageUpdateTime, "local HH:MM time of the daily stage-day update (overrides $STAGE_UPDATE_TIME)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"experimentConfig", *flags.experimentConfig,
		"backend", *flags.backend,
		"stageUpdateTime", *flags.stageUpdateTime)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// openStore picks the storage backend from the DSN.
func openStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildMessagingService constructs the configured transport. The Twilio
// service is returned separately when active so the API can expose its
// webhook.
func buildMessagingService(flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch *flags.backend {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc, nil
	case "whatsapp":
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}

// scheduleStageUpdates arms the daily job advancing every participant's
// stage day.
func scheduleStageUpdates(sched *scheduler.Scheduler, st store.Store, stages *stage.Machine, updateTime string) error {
	hour, minute, err := parseTimeOfDay(updateTime)
	if err != nil {
		return err
	}
	expr, err := scheduler.CronForDaily(hour, minute, nil)
	if err != nil {
		return err
	}
	return sched.AddJob(expr, func() {
		participants, err := st.ListParticipants()
		if err != nil {
			slog.Error("Daily stage update: failed to list participants", "error", err)
			return
		}
		for _, p := range participants {
			if p.Stages.StageName == "" || p.CurrentState == models.StateExperimentEnd {
				continue
			}
			if _, err := stages.UpdateStageDay(p.UniqueID); err != nil {
				slog.Error("Daily stage update failed", "error", err, "participantID", p.UniqueID)
			}
		}
		slog.Info("Daily stage update completed", "participants", len(participants))
	})
}

// parseTimeOfDay parses an "HH:MM" string.
func parseTimeOfDay(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	return hour, minute, nil
}
