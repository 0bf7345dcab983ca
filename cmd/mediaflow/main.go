// Package main is the mediaflow development CLI. It wraps the
// docker-compose stack (postgres, redis, minio, api, worker), opens shells
// into the backing stores, runs the test suite, and pushes sample uploads
// at a running API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var composeFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediaflow: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediaflow",
		Short:        "mediaflow development CLI",
		Long:         "Developer workflows for the mediaflow stack: manage the compose services, inspect postgres and redis, run tests, and exercise a running API.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file for stack commands")
	cmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newBuildCmd(),
		newLogsCmd(),
		newPsqlCmd(),
		newRedisCmd(),
		newTestCmd(),
		newRunCmd(),
		newUploadCmd(),
	)
	return cmd
}

func compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", composeFile}, args...)
	return runCommand(ctx, "docker", full...)
}

func newUpCmd() *cobra.Command {
	var foreground, skipBuild bool
	cmd := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start the compose stack (postgres, redis, minio, api, worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"up"}
			if !skipBuild {
				composeArgs = append(composeArgs, "--build")
			}
			if !foreground {
				composeArgs = append(composeArgs, "-d")
			}
			return compose(cmd.Context(), append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Stay attached instead of detaching")
	cmd.Flags().BoolVar(&skipBuild, "skip-build", false, "Skip rebuilding images before starting")
	return cmd
}

func newDownCmd() *cobra.Command {
	var removeVolumes bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return compose(cmd.Context(), composeArgs...)
		},
	}
	cmd.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Also remove stack volumes (drops the DB and buckets)")
	return cmd
}

func newBuildCmd() *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "build [service...]",
		Short: "Build the stack's images",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"build"}
			if noCache {
				composeArgs = append(composeArgs, "--no-cache")
			}
			return compose(cmd.Context(), append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the Docker build cache")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs [service...]",
		Short: "Show service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"logs"}
			if follow {
				composeArgs = append(composeArgs, "-f")
			}
			return compose(cmd.Context(), append(composeArgs, args...)...)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream logs continuously")
	return cmd
}

func newPsqlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "psql [-- psql-args...]",
		Short: "Open a psql shell on the stack's postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			execArgs := append([]string{"exec", "postgres", "psql", "-U", "mediaflow", "mediaflow"}, args...)
			return compose(cmd.Context(), execArgs...)
		},
	}
}

func newRedisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redis [-- redis-cli-args...]",
		Short: "Run redis-cli against the stack's redis (queue and loader cache)",
		RunE: func(cmd *cobra.Command, args []string) error {
			execArgs := append([]string{"exec", "redis", "redis-cli"}, args...)
			return compose(cmd.Context(), execArgs...)
		},
	}
}

func newTestCmd() *cobra.Command {
	var race, cover bool
	cmd := &cobra.Command{
		Use:   "test [packages]",
		Short: "Run Go tests (defaults to ./...)",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkgs := args
			if len(pkgs) == 0 {
				pkgs = []string{"./..."}
			}
			goArgs := []string{"test"}
			if race {
				goArgs = append(goArgs, "-race")
			}
			if cover {
				goArgs = append(goArgs, "-cover")
			}
			return runCommand(cmd.Context(), "go", append(goArgs, pkgs...)...)
		},
	}
	cmd.Flags().BoolVar(&race, "race", false, "Enable the race detector")
	cmd.Flags().BoolVar(&cover, "cover", false, "Collect coverage data")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "run [api|worker]",
		Short:     "Run one of the binaries directly via go run",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"api", "worker"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), "go", "run", "./cmd/"+args[0])
		},
	}
}

func newUploadCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Push a file at a running API and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			return runCommand(cmd.Context(), "curl", "-sS", "-F", "file=@"+args[0], apiURL+"/media")
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "Base URL of the running API")
	return cmd
}

func runCommand(ctx context.Context, name string, args ...string) error {
	c := exec.CommandContext(ctx, name, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
