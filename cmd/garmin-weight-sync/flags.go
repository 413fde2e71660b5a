package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cderwin/garmin-weight-sync/app"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Placeholders used when no credentials are configured anywhere.
const (
	defaultEmail    = "EMAIL"
	defaultPassword = "PASSWORD"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the TOML config file (default: $XDG_CONFIG_HOME/garmin-weight-sync/config.toml)",
		},
		&cli.StringFlag{
			Name:    "email",
			Usage:   "Garmin Connect account email",
			Sources: cli.EnvVars("GARMIN_EMAIL"),
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Garmin Connect password",
			Sources: cli.EnvVars("GARMIN_PASS"),
		},
		&cli.BoolFlag{
			Name:  "prompt-password",
			Usage: "Read the password from the terminal without echo",
		},
		&cli.StringFlag{
			Name:    "domain",
			Usage:   "Garmin domain, garmin.com or garmin.cn (default: garmin.com)",
			Sources: cli.EnvVars("GARMIN_DOMAIN"),
		},
		&cli.StringFlag{
			Name:    "oauth-consumer-key",
			Usage:   "OAuth1 consumer key of the Garmin Connect app (default: fetched from " + app.DefaultConsumerURL + ")",
			Sources: cli.EnvVars("GARMIN_OAUTH_CONSUMER_KEY"),
		},
		&cli.StringFlag{
			Name:    "oauth-consumer-secret",
			Usage:   "OAuth1 consumer secret of the Garmin Connect app",
			Sources: cli.EnvVars("GARMIN_OAUTH_CONSUMER_SECRET"),
		},
		&cli.StringFlag{
			Name:    "unit",
			Aliases: []string{"u"},
			Usage:   "Weight unit, kg or lbs (default: kg)",
			Sources: cli.EnvVars("GARMIN_UNIT"),
		},
		&cli.StringFlag{
			Name:  "timestamp",
			Usage: "Measurement time in RFC 3339 format (default: now)",
		},
		&cli.StringFlag{
			Name:    "session-file",
			Usage:   "Session cache file (default: " + app.DefaultSessionFile + ")",
			Sources: cli.EnvVars("GARMIN_SESSION_FILE"),
		},
		&cli.StringFlag{
			Name:    "session-key",
			Usage:   "Hex-encoded key (32 bytes or more) used to seal the session cache",
			Sources: cli.EnvVars("GARMIN_SESSION_KEY"),
		},
		&cli.StringFlag{
			Name:    "session-redis-url",
			Usage:   "Keep the session in redis instead of a file, e.g. redis://localhost:6379/0",
			Sources: cli.EnvVars("GARMIN_SESSION_REDIS_URL"),
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Timeout for each request to Garmin",
			Value: app.DefaultTimeout,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level: debug, info, warn or error (default: warn)",
			Sources: cli.EnvVars("GARMIN_LOG_LEVEL"),
		},
	}
}

// configPath returns the --config value or the XDG default, and whether the
// file must exist.
func configPath(cmd *cli.Command) (string, bool, error) {
	if cmd.IsSet("config") {
		return cmd.String("config"), true, nil
	}
	path, err := getConfigPath()
	return path, false, err
}

func loadFileConfig(cmd *cli.Command) (*FileConfig, error) {
	path, required, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	return loadConfig(path, required)
}

type fileConfigKey struct{}

// fileConfig returns the config file read by setupLogging. When that read
// failed the file is read again so the caller gets the error.
func fileConfig(ctx context.Context, cmd *cli.Command) (*FileConfig, error) {
	if file, ok := ctx.Value(fileConfigKey{}).(*FileConfig); ok {
		return file, nil
	}

	file, err := loadFileConfig(cmd)
	if err != nil {
		return nil, app.NewValidationError("config", err)
	}
	return file, nil
}

// pick resolves a setting: flag or env first, then the config file, then the fallback.
func pick(cmd *cli.Command, name, fromFile, fallback string) string {
	if cmd.IsSet(name) {
		return cmd.String(name)
	}
	if fromFile != "" {
		return fromFile
	}
	return fallback
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	file, err := loadFileConfig(cmd)
	if err == nil {
		ctx = context.WithValue(ctx, fileConfigKey{}, file)
	} else {
		// reported again when the command resolves its config
		file = &FileConfig{}
	}

	var level slog.Level
	levelName := pick(cmd, "log-level", file.Log.Level, "warn")
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return ctx, fmt.Errorf("invalid log level %q", levelName)
	}

	logger := slog.New(slog.NewTextHandler(cmd.Root().ErrWriter, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger.With("run_id", uuid.NewString()))
	return ctx, nil
}

// resolveConfig merges flags, environment and the config file into the
// explicit configuration handed to the upload routine.
func resolveConfig(cmd *cli.Command, deps dependencies, file *FileConfig) (app.Config, error) {
	config := app.Config{
		Email:          pick(cmd, "email", file.Garmin.Email, ""),
		Password:       pick(cmd, "password", file.Garmin.Password, ""),
		Domain:         pick(cmd, "domain", file.Garmin.Domain, app.DefaultDomain),
		ConsumerKey:    pick(cmd, "oauth-consumer-key", file.Garmin.ConsumerKey, ""),
		ConsumerSecret: pick(cmd, "oauth-consumer-secret", file.Garmin.ConsumerSecret, ""),
		Unit:           pick(cmd, "unit", file.Upload.Unit, app.UnitKilograms),
		SessionFile:    pick(cmd, "session-file", file.Session.File, app.DefaultSessionFile),
		SessionKey:     pick(cmd, "session-key", file.Session.Key, ""),
		SessionRedis:   pick(cmd, "session-redis-url", file.Session.RedisURL, ""),
		Timeout:        cmd.Duration("timeout"),
	}

	if cmd.Bool("prompt-password") {
		password, err := promptPassword(cmd, deps.stdin)
		if err != nil {
			return app.Config{}, app.NewValidationError("password prompt", err)
		}
		config.Password = password
	}

	if config.Email == "" {
		slog.Warn("GARMIN_EMAIL is not set, using placeholder email")
		config.Email = defaultEmail
	}
	if config.Password == "" {
		slog.Warn("GARMIN_PASS is not set, using placeholder password")
		config.Password = defaultPassword
	}

	if cmd.IsSet("timestamp") {
		at, err := time.Parse(time.RFC3339, cmd.String("timestamp"))
		if err != nil {
			return app.Config{}, app.NewValidationError("timestamp", err)
		}
		config.MeasuredAt = at
	}

	if err := app.ValidateUnit(config.Unit); err != nil {
		return app.Config{}, app.NewValidationError("", err)
	}

	return config, nil
}

func promptPassword(cmd *cli.Command, stdin *os.File) (string, error) {
	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--prompt-password requires an interactive terminal")
	}

	fmt.Fprint(cmd.Root().ErrWriter, "Garmin password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.Root().ErrWriter)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(password), nil
}
