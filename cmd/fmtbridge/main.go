// Package main is the entry point for the fmtbridge command.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/dshills/fmtbridge/internal/app"
	"github.com/dshills/fmtbridge/internal/approval"
	"github.com/dshills/fmtbridge/internal/folder"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type cliOptions struct {
	app.Options
	write bool
	check bool
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fmtbridge", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts cliOptions
	var roots string
	var showVersion bool
	fs.StringVar(&roots, "workspace", "", "Comma-separated workspace folders (default: working directory)")
	fs.StringVar(&roots, "w", "", "Workspace folders (shorthand)")
	fs.StringVar(&opts.UserConfigFile, "config", "", "Path to the settings file")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Enable debug logging")
	fs.BoolVar(&opts.write, "write", false, "Write formatted files in place")
	fs.BoolVar(&opts.check, "check", false, "Report files that are not formatted and exit 1")
	fs.BoolVar(&showVersion, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "fmtbridge - run the dprint editor service from the command line\n\n")
		fmt.Fprintf(stderr, "Usage: fmtbridge [options] <command> [files...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  info            List the folders and their formatter plugins\n")
		fmt.Fprintf(stderr, "  fmt FILES...    Format files (stdout, -write or -check)\n")
		fmt.Fprintf(stderr, "  watch           Keep formatters running and follow config changes\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if showVersion {
		fmt.Fprintf(stdout, "fmtbridge %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	if roots != "" {
		opts.Roots = strings.Split(roots, ",")
	}
	opts.LogOutput = stderr
	opts.Prompter = terminalPrompter{in: stdin, out: stderr}
	opts.Notifier = folder.NotifierFunc(func(msg string) {
		fmt.Fprintf(stderr, "Error: %s\n", msg)
	})

	application, err := app.New(opts.Options)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer application.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := application.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch rest[0] {
	case "info":
		return runInfo(application, stdout)
	case "fmt":
		return runFormat(ctx, application, opts, rest[1:], stdout, stderr)
	case "watch":
		application.Logger().Info("watching %d folders, press Ctrl+C to stop", len(application.Folders()))
		if err := application.Watch(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		fs.Usage()
		return 2
	}
}

func runInfo(a *app.Application, stdout io.Writer) int {
	folders := a.Folders()
	if len(folders) == 0 {
		fmt.Fprintln(stdout, "no folders with formatter plugins")
		return 1
	}
	for _, f := range folders {
		info := f.EditorInfo
		fmt.Fprintf(stdout, "%s (dprint %s, schema %d)\n", f.Root, info.CLIVersion, info.SchemaVersion)
		for _, p := range info.Plugins {
			matches := append(append([]string(nil), p.FileExtensions...), p.FileNames...)
			fmt.Fprintf(stdout, "  %s %s [%s]\n", p.Name, p.Version, strings.Join(matches, ", "))
		}
	}
	return 0
}

func runFormat(ctx context.Context, a *app.Application, opts cliOptions, files []string, stdout, stderr io.Writer) int {
	if len(files) == 0 {
		fmt.Fprintln(stderr, "Error: fmt needs at least one file")
		return 2
	}

	code := 0
	for _, path := range files {
		if opts.write {
			if _, err := a.WriteFile(ctx, path); err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				code = 1
			}
			continue
		}

		res, err := a.FormatFile(ctx, path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			code = 1
			continue
		}
		switch {
		case opts.check:
			if res.Changed {
				fmt.Fprintln(stdout, path)
				code = 1
			}
		default:
			fmt.Fprint(stdout, res.Formatted)
		}
	}
	return code
}

// terminalPrompter asks for approval on the terminal. Without a terminal
// every prompt is dismissed.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p terminalPrompter) Prompt(ctx context.Context, workspace, path string) (approval.Decision, error) {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(p.out, "Not running %s from the settings of %s: approval needs a terminal\n", path, workspace)
		return approval.Dismissed, nil
	}

	fmt.Fprintf(p.out, "A workspace setting in %s wants to run a custom dprint executable: %s\nAllow? [y/N] ", workspace, path)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(p.in).ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return approval.Dismissed, ctx.Err()
	case a := <-answer:
		switch a {
		case "y", "yes":
			return approval.Allow, nil
		case "n", "no":
			return approval.Deny, nil
		}
		return approval.Dismissed, nil
	}
}
