package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cderwin/garmin-weight-sync/app"
	"github.com/pkg/browser"
	"github.com/urfave/cli/v3"
)

const usageLine = "Usage: garmin-weight-sync <weight>"

// dependencies lets tests swap the Garmin client for a fake.
type dependencies struct {
	newClient func(config app.Config, store app.SessionStore) app.WeighInClient
	stdin     *os.File
	openURL   func(url string) error
}

func defaultDependencies() dependencies {
	return dependencies{
		newClient: func(config app.Config, store app.SessionStore) app.WeighInClient {
			return app.NewGarminClient(config.ClientConfig(), store)
		},
		stdin:   os.Stdin,
		openURL: browser.OpenURL,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr, defaultDependencies())
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, deps dependencies) int {
	cmd := rootCommand(deps)
	cmd.Writer = stdout
	cmd.ErrWriter = stderr

	err := cmd.Run(ctx, normalizeArgs(args))
	if err == nil {
		return 0
	}

	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		return exitErr.ExitCode()
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func rootCommand(deps dependencies) *cli.Command {
	return &cli.Command{
		Name:      appName,
		Usage:     "Upload a body-weight measurement to Garmin Connect",
		ArgsUsage: "<weight>",
		Flags:     globalFlags(),
		Before:    setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				fmt.Fprintln(cmd.Root().Writer, usageLine)
				return cli.Exit("", 1)
			}
			return runUpload(ctx, cmd, deps, cmd.Args().First())
		},
		Commands: []*cli.Command{
			loginCommand(deps),
			logoutCommand(deps),
			serveCommand(deps),
			openCommand(deps),
		},
		HideHelpCommand: true,
		// exit codes are resolved by run
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

// normalizeArgs moves a negative number behind a trailing "--" so it is read
// as the weight rather than as a flag, while flags around it still parse.
func normalizeArgs(args []string) []string {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return args
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		if _, err := strconv.ParseFloat(arg, 64); err == nil {
			normalized := make([]string, 0, len(args)+1)
			normalized = append(normalized, args[:i]...)
			normalized = append(normalized, args[i+1:]...)
			return append(normalized, "--", arg)
		}
	}
	return args
}

// exitWith converts an already reported error into its exit status.
func exitWith(err error) error {
	return cli.Exit("", app.ExitCode(err))
}
