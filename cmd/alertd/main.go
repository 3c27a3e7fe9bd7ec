package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crowdalert/internal/app"
)

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "./crowdalert.json", "path to config (json or yaml)")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warn: env file:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = app.StopSignal
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	if err := a.Err(); err != nil && reason == app.StopFatalError {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
