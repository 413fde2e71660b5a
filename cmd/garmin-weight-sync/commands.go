package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cderwin/garmin-weight-sync/app"
	"github.com/urfave/cli/v3"
)

func runUpload(ctx context.Context, cmd *cli.Command, deps dependencies, arg string) error {
	out := cmd.Root().Writer

	weight, err := app.ParseWeight(arg)
	if err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		return exitWith(err)
	}

	config, _, store, err := prepare(ctx, cmd, deps)
	if err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		return exitWith(err)
	}
	defer closeStore(store)

	client := deps.newClient(config, store)
	syncer := app.NewSyncer(config, client, store, out)
	if err := syncer.SyncWeight(ctx, weight); err != nil {
		return exitWith(err)
	}
	return nil
}

func loginCommand(deps dependencies) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Sign in to Garmin Connect and cache the session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "save-config",
				Usage: "Store email, domain and unit in the config file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runLogin(ctx, cmd, deps)
		},
	}
}

func runLogin(ctx context.Context, cmd *cli.Command, deps dependencies) error {
	out := cmd.Root().Writer

	config, _, store, err := prepare(ctx, cmd, deps)
	if err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		return exitWith(err)
	}
	defer closeStore(store)

	client := deps.newClient(config, store)
	if err := client.Login(ctx); err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		if app.IsAuthOrConnection(err) {
			if delErr := store.Delete(ctx); delErr != nil {
				slog.Error("failed to clear session", "err", delErr)
			}
		}
		return exitWith(err)
	}

	fmt.Fprintf(out, "[Garmin] Logged in as %s\n", config.Email)

	if cmd.Bool("save-config") {
		if err := rememberConfig(cmd, config); err != nil {
			fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
			return exitWith(err)
		}
	}
	return nil
}

// rememberConfig writes the non-secret settings of config to the config file.
func rememberConfig(cmd *cli.Command, config app.Config) error {
	path, _, err := configPath(cmd)
	if err != nil {
		return err
	}

	file, err := loadConfig(path, false)
	if err != nil {
		return err
	}
	file.Garmin.Email = config.Email
	file.Garmin.Domain = config.Domain
	file.Upload.Unit = config.Unit

	if err := saveConfig(path, file); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "Config saved to: %s\n", path)
	return nil
}

func logoutCommand(deps dependencies) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Delete the cached Garmin session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := cmd.Root().Writer

			_, _, store, err := prepare(ctx, cmd, deps)
			if err != nil {
				fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
				return exitWith(err)
			}
			defer closeStore(store)

			if err := store.Delete(ctx); err != nil {
				fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
				return exitWith(err)
			}
			fmt.Fprintln(out, "[Garmin] Session cleared")
			return nil
		},
	}
}

// prepare resolves the configuration and opens the session store. The config
// file is returned for commands with settings of their own.
func prepare(ctx context.Context, cmd *cli.Command, deps dependencies) (app.Config, *FileConfig, app.SessionStore, error) {
	file, err := fileConfig(ctx, cmd)
	if err != nil {
		return app.Config{}, nil, nil, err
	}

	config, err := resolveConfig(cmd, deps, file)
	if err != nil {
		return app.Config{}, nil, nil, err
	}

	store, err := app.NewSessionStore(config)
	if err != nil {
		return app.Config{}, nil, nil, err
	}
	return config, file, store, nil
}

func closeStore(store app.SessionStore) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Warn("failed to close session store", "err", err)
	}
}

func serveCommand(deps dependencies) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept weigh-ins over HTTP and upload them to Garmin Connect",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "Address to listen on (default: " + app.DefaultListenAddr + ")",
				Sources: cli.EnvVars("GARMIN_SYNC_LISTEN"),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token required on POST /weigh-ins",
				Sources: cli.EnvVars("GARMIN_SYNC_TOKEN"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd, deps)
		},
	}
}

func runServe(ctx context.Context, cmd *cli.Command, deps dependencies) error {
	out := cmd.Root().Writer

	config, file, store, err := prepare(ctx, cmd, deps)
	if err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		return exitWith(err)
	}
	defer closeStore(store)

	token := pick(cmd, "token", file.Server.Token, "")
	if token == "" {
		slog.Warn("serving without a token, anyone who can reach the server can upload weigh-ins")
	}

	listen := pick(cmd, "listen", file.Server.Listen, app.DefaultListenAddr)
	server := app.NewServer(config, deps.newClient(config, store), store, token)
	fmt.Fprintf(out, "[Garmin] Listening on %s\n", listen)
	if err := server.Run(ctx, listen); err != nil {
		fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
		return exitWith(err)
	}
	return nil
}

func openCommand(deps dependencies) *cli.Command {
	return &cli.Command{
		Name:  "open",
		Usage: "Open the Garmin Connect weight page in the browser",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			out := cmd.Root().Writer

			file, err := fileConfig(ctx, cmd)
			if err != nil {
				fmt.Fprintf(out, "[Garmin] ERROR: %v\n", err)
				return exitWith(err)
			}

			pageURL := app.WeightPageURL(pick(cmd, "domain", file.Garmin.Domain, app.DefaultDomain))
			fmt.Fprintf(out, "If the browser doesn't open, visit: %s\n", pageURL)
			if err := deps.openURL(pageURL); err != nil {
				slog.Warn("failed to open browser", "err", err)
			}
			return nil
		},
	}
}
