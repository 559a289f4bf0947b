package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"rotasend/internal/app"
	"rotasend/internal/dispatch"
)

func main() {
	var (
		cfgPath string
		envPath string
		once    bool
		dryRun  bool
	)
	flag.StringVar(&cfgPath, "config", "./rotasend.yaml", "path to campaign config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with account tokens (ignored when missing)")
	flag.BoolVar(&once, "once", false, "run a single campaign even when a schedule is configured")
	flag.BoolVar(&dryRun, "dry-run", false, "log sends instead of delivering them")
	flag.Parse()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "fatal env:", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, app.Options{Once: once, DryRun: dryRun})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	runErr := a.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = a.Stop(stopCtx)
	stopCancel()

	switch {
	case errors.Is(runErr, dispatch.ErrNoLeads):
		fmt.Println("nothing to send: no uncontacted leads")
	case runErr != nil:
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	case a.Err() != nil:
		fmt.Fprintln(os.Stderr, "fatal:", a.Err())
		os.Exit(1)
	}
}
