// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/tether/internal/app"
	"github.com/petervdpas/tether/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dataDir  = flag.String("data", "", "Data directory (default: ~/.tether)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Tether v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("resolve home dir: %v", err)
		}
		dir = filepath.Join(home, ".tether")
	}

	cfgPath := filepath.Join(dir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		log.Printf("tether: wrote default config to %s", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{DataDir: dir, Cfg: cfg}); err != nil {
		log.Fatalf("tether: %v", err)
	}
}

func showUsage() {
	fmt.Println(`Tether — companion sync & call-signaling engine

Usage:
  tether [flags]

Flags:
  -data <dir>   data directory (default ~/.tether)
  -version      print version
  -h            this help

The engine reads <data>/config.json (created with defaults on first run),
connects to the configured relay and serves the local UI API.`)
}
