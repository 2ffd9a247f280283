// DotPersona - local-first multi-persona conversational agent
// License: MIT
//
// Copyright (c) 2026 DotPersona contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/dotpersona/pkg/agent"
	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/checkpoint"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dotpersona"

// shutdownTimeout bounds how long in-flight jobs may run after /quit.
const shutdownTimeout = 30 * time.Second

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("DOTPERSONA_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dotpersona", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// setupLogging sends structured logs to the data dir so they never interleave
// with the conversation on the terminal.
func setupLogging(cfg *config.Config, debug bool) error {
	lvl := logger.ParseLevel(cfg.Data.LogLevel)
	if debug {
		lvl = logger.DEBUG
	}
	return logger.Init(logger.Options{File: cfg.LogPath(), Level: lvl})
}

func onboard(force bool) error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.DataDir(), "state"), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", configPath)
	fmt.Println("     or set DOTPERSONA_PROVIDERS_OPENROUTER_API_KEY in", filepath.Join(cfg.DataDir(), ".env"))
	fmt.Println("  2. Chat: dotpersona chat")
	return nil
}

// runtimeDeps is an opened agent with everything that must be closed after it.
type runtimeDeps struct {
	cfg   *config.Config
	agent *agent.Agent
	store *checkpoint.SQLiteStore
}

func (r *runtimeDeps) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
	logger.Sync()
}

func openRuntime(debug bool) (*runtimeDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg, debug); err != nil {
		return nil, err
	}
	store, err := checkpoint.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a, err := agent.New(cfg, bus.NewMessageBus(), providers.NewRouter(cfg), store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &runtimeDeps{cfg: cfg, agent: a, store: store}, nil
}

func chatCmd(persona, message string, debug bool) error {
	rt, err := openRuntime(debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := rt.agent
	if err := a.Start(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(persona) != "" {
		if _, err := a.SwitchPersona(persona); err != nil {
			return err
		}
	}

	if strings.TrimSpace(message) != "" {
		return oneShot(ctx, a, message)
	}
	fmt.Printf("%s interactive mode. Type /help for commands, /quit to exit.\n\n", appName)
	return newREPL(a, os.Stdout).Run(ctx)
}

func oneShot(ctx context.Context, a *agent.Agent, message string) error {
	sent, err := a.SendMessage(ctx, message)
	if err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	err = a.Wait(waitCtx)
	cancel()

	if p, rerr := a.Registry().Get(a.ActivePersonaID()); rerr == nil {
		for _, m := range p.History.All() {
			if m.Timestamp.After(sent.Timestamp) {
				fmt.Printf("\n%s: %s\n", p.DisplayName, m.Content)
			}
		}
		a.MarkRead(p.ID, time.Time{})
	}
	quitCtx, qcancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer qcancel()
	if qerr := a.Quit(quitCtx); qerr != nil {
		return qerr
	}
	return err
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	mark := func(path string) string {
		if _, err := os.Stat(path); err == nil {
			return "✓"
		}
		return "✗"
	}
	fmt.Println("Config:", configPath, mark(configPath))
	fmt.Println("Data dir:", cfg.DataDir(), mark(cfg.DataDir()))
	fmt.Println("Checkpoints:", cfg.DatabasePath(), mark(cfg.DatabasePath()))
	fmt.Println("Model:", cfg.Agents.Defaults.Model)
	def, _ := providers.ParseModelSpec(cfg.Agents.Defaults.Model, providers.ProviderOpenRouter)
	for _, name := range cfg.ProviderNames() {
		configured, mode, err := providers.ProviderCredentialStatus(cfg, name)
		state := "not set"
		switch {
		case err != nil:
			state = err.Error()
		case configured:
			state = "✓ " + mode
		}
		suffix := ""
		if name == def.Provider {
			suffix = " (default)"
		}
		fmt.Printf("  %s%s: %s\n", name, suffix, state)
	}
	if err := providers.ValidateProviderConfig(cfg, def.Provider); err != nil {
		fmt.Println("  !", err)
	}
	sync := "disabled"
	if strings.TrimSpace(cfg.Sync.Remote) != "" {
		sync = cfg.Sync.Remote
	}
	fmt.Println("Sync:", sync)
	return nil
}
