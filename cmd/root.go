package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

const usage = `agentspace is a multi-provider chat gateway with streaming and fan-out.

Usage:
  agentspace serve [flags]

Commands:
  serve    Start the HTTP server

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return printUsage(out)
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "help", "-h", "--help":
		return printUsage(out)
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage(out io.Writer) error {
	fmt.Fprintln(out, strings.TrimSpace(usage))
	return nil
}
