// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/app"
	"github.com/petervdpas/babelrtc/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "babelrtc.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("babelrtc v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]
	switch command {
	case "receive", "broadcast":
		runSession(command, args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runSession(command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	lang := fs.String("lang", "", "Language to listen to (receive only)")
	audioOnly := fs.Bool("audio-only", false, "Subscribe to audio tracks only")
	gesture := fs.Bool("require-gesture", false, "Block playback until a 'gesture' command")
	verbose := fs.Bool("v", false, "Debug logging")
	logFormat := fs.String("log-format", "text", "Log format: text or json")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: babelrtc %s [flags] <session-directory>\n", command)
		os.Exit(1)
	}
	setupLogging(*verbose, *logFormat)

	absDir, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		logrus.Fatalf("Invalid session directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		logrus.Fatalf("Session directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Wrote a config template to %s, fill in auth and roster and run again.\n", cfgPath)
		os.Exit(1)
	}

	// The command picks the side of the session.
	cfg.Session.UserType = config.UserTypeAudience
	if command == "broadcast" {
		cfg.Session.UserType = config.UserTypeHost
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		logrus.Info("Shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:            absDir,
		CfgPath:        cfgPath,
		Cfg:            cfg,
		Language:       *lang,
		AudioOnly:      *audioOnly,
		RequireGesture: *gesture,
		Out:            os.Stdout,
		In:             os.Stdin,
		Progress: func(step, total int, label string) {
			logrus.WithFields(logrus.Fields{"step": step, "total": total}).Info(label)
		},
	}); err != nil {
		logrus.Fatalf("Session failed: %v", err)
	}
}

func setupLogging(verbose bool, format string) {
	logrus.SetOutput(os.Stderr)
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func showUsage() {
	fmt.Println("babelrtc - live interpretation client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  babelrtc receive [flags] <directory>    Listen to a channel in one language")
	fmt.Println("  babelrtc broadcast [flags] <directory>  Join a channel as host")
	fmt.Println()
	fmt.Println("The directory must contain a " + cfgName + " configuration file.")
	fmt.Println("A template is written on first run.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -lang <code>        Language to listen to (defaults to the last one used)")
	fmt.Println("  -audio-only         Subscribe to audio tracks only")
	fmt.Println("  -require-gesture    Block playback until a 'gesture' command")
	fmt.Println("  -v                  Debug logging")
	fmt.Println("  -log-format <fmt>   text or json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Commands on stdin, one per line:")
	fmt.Println("  status | gesture | leave | quit")
	fmt.Println("  lang <code> | play <code> | stop <code>")
	fmt.Println("  mute <code> [audio|video] | unmute <code> [audio|video]")
	fmt.Println("  volume <dom-id> <0..100> | stats <dom-id> | role <host|audience>")
	fmt.Println()
	fmt.Println("Events are written to stdout as JSON lines, logs go to stderr.")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Fprintln(os.Stderr, "╔════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                    babelrtc session                    ║")
	fmt.Fprintln(os.Stderr, "╚════════════════════════════════════════════════════════╝")
	fmt.Fprintf(os.Stderr, "Directory: %s\n", dir)
	fmt.Fprintf(os.Stderr, "Config:    %s\n", cfgPath)
	fmt.Fprintf(os.Stderr, "Channel:   %s (uid %d, %s)\n", cfg.Auth.Channel, cfg.Auth.UID, cfg.Session.UserType)
	fmt.Fprintf(os.Stderr, "Languages: %v\n", cfg.Languages())
	fmt.Fprintln(os.Stderr, "────────────────────────────────────────────────────────")
}
