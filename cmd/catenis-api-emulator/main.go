package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"catenis-api-emulator/internal/config"
	"catenis-api-emulator/internal/emulator"
	"catenis-api-emulator/internal/logging"
)

func main() {
	loadDotEnv()

	apiPort := flag.Int("api-port", 0, "port for the emulated Catenis API server")
	cmdPort := flag.Int("cmd-port", 0, "port for the command server")
	apiVersion := flag.String("api-version", "", "version segment of the emulated API base path")
	debug := flag.Bool("debug", false, "enable debug logging")
	shutdown := flag.Bool("shutdown", false, "shut down a running emulator instance and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags that were set on the command line win over the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-port":
			cfg.APIPort = *apiPort
		case "cmd-port":
			cfg.CmdPort = *cmdPort
		case "api-version":
			cfg.APIVersion = *apiVersion
		case "debug":
			cfg.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *shutdown {
		if err := shutdownRunningInstance(cfg.CmdPort); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := logging.NewLogger(cfg.Debug)
	defer func() {
		_ = log.Sync()
	}()

	if err := emulator.New(cfg, log).Run(logging.WithLogger(ctx, log)); err != nil {
		log.Errorf("emulator terminated: %v", err)
		os.Exit(1)
	}
}

// loadDotEnv hydrates process envs from a local .env when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
		}
	}
}

// shutdownRunningInstance probes GET /info on the command port and, when the
// probe identifies a running emulator, posts /close.
func shutdownRunningInstance(cmdPort int) error {
	client := &http.Client{Timeout: 5 * time.Second}
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cmdPort)

	resp, err := client.Get(baseURL + "/info")
	if err != nil {
		return fmt.Errorf("probe emulator: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read probe response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	var info string
	if err := json.Unmarshal(body, &info); err != nil || !strings.HasPrefix(info, "Catenis API Emulator") {
		return fmt.Errorf("no emulator instance on port %d", cmdPort)
	}

	resp, err = client.Post(baseURL+"/close", "application/json", nil)
	if err != nil {
		return fmt.Errorf("close emulator: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close returned status %d", resp.StatusCode)
	}
	return nil
}
