package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tablerun/internal/app"
)

func main() {
	// Optional .env next to the binary (same convention as docker/compose
	// deployments); absence is fine.
	_ = godotenv.Load()

	cfgPath := os.Getenv("TABLERUN_CONFIG")
	if cfgPath == "" {
		cfgPath = "./tablerun.yaml"
	}

	var (
		reset bool
		once  bool
	)
	flag.StringVar(&cfgPath, "config", cfgPath, "path to config yaml/json")
	flag.BoolVar(&reset, "reset", false, "reset all jobs (not implemented; fails)")
	flag.BoolVar(&once, "once", false, "run a single drain pass even when a schedule is configured")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{Reset: reset, Once: once})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	os.Exit(a.Run(ctx))
}
