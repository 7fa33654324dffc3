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

	logging "github.com/ipfs/go-log/v2"

	"github.com/mindhaven/callkit/internal/app"
	"github.com/mindhaven/callkit/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	debug    = flag.Bool("debug", false, "Verbose logging")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callkit v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) != 1 {
		showUsage()
		os.Exit(1)
	}
	dir, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, created, err := config.Ensure(filepath.Join(dir, "callkit.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Created default config in %s. Fill in identity and signaling, then restart.\n", dir)
		return
	}

	// The config can force verbose logging without the flag.
	if cfg.Control.Debug && !*debug {
		_ = logging.SetLogLevel("*", "debug")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, dir, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("callkit - call client for the mental-wellness platform")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callkit <client-directory>   Run the client")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -debug     Verbose logging")
	fmt.Println("  -version   Show version")
	fmt.Println("  -h         Show help")
	fmt.Println()
	fmt.Println("The client directory holds callkit.json, the token file and the")
	fmt.Println("local call log. A default config is written on first run.")
}
