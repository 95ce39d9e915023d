// cairelay - Character.AI relay for chat rooms
// License: MIT
//
// Copyright (c) 2026 cairelay contributors

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dotsetgreg/cairelay/pkg/archive"
	"github.com/dotsetgreg/cairelay/pkg/bus"
	"github.com/dotsetgreg/cairelay/pkg/cai"
	"github.com/dotsetgreg/cairelay/pkg/channels"
	"github.com/dotsetgreg/cairelay/pkg/config"
	"github.com/dotsetgreg/cairelay/pkg/gateway"
	"github.com/dotsetgreg/cairelay/pkg/health"
	"github.com/dotsetgreg/cairelay/pkg/logger"
	"github.com/dotsetgreg/cairelay/pkg/relay"
	"github.com/dotsetgreg/cairelay/pkg/session"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "cairelay"
	shutdownTimeout = 30 * time.Second
	accountTimeout  = 30 * time.Second
)

// configPathFlag is bound to the persistent --config flag.
var configPathFlag string

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
	if strings.TrimSpace(configPathFlag) != "" {
		return config.ExpandHome(configPathFlag)
	}
	if p := strings.TrimSpace(os.Getenv("CAIRELAY_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cairelay", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

// relayRuntime holds what every relay mode shares: the session store and the
// serialized Character.AI gateway.
type relayRuntime struct {
	cfg     *config.Config
	source  config.Source
	store   *session.SQLiteStore
	ai      *gateway.Gateway
	archive relay.Archiver
}

func openRuntime(requireDiscord, debug bool) (*relayRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	if err := cfg.Validate(getConfigPath(), requireDiscord); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	store, err := session.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	rt := &relayRuntime{
		cfg:    cfg,
		source: config.NewFileSource(getConfigPath()),
		store:  store,
		ai:     gateway.New(cai.NewClientFromConfig(cfg)),
	}

	if cfg.Archive.Enabled {
		sink, err := archive.New(cfg.Archive)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("configure archive: %w", err)
		}
		rt.archive = sink
	}
	return rt, nil
}

type accountResolver interface {
	Account(ctx context.Context) (cai.User, error)
}

// resolveAccount fetches the Character.AI account once at start-up.
func resolveAccount(ai accountResolver) error {
	ctx, cancel := context.WithTimeout(context.Background(), accountTimeout)
	defer cancel()
	user, err := ai.Account(ctx)
	if err != nil {
		return fmt.Errorf("character.ai login: %w", err)
	}
	fmt.Printf("✓ Logged in to Character.AI as %s\n", user.Username)
	return nil
}

func (rt *relayRuntime) Close() {
	if err := rt.store.Close(); err != nil {
		logger.WarnCF("main", "Failed to close session store", map[string]interface{}{"error": err.Error()})
	}
	logger.Sync()
}

func (rt *relayRuntime) newService(platform relay.Platform, msgBus *bus.MessageBus) *relay.Service {
	return relay.NewService(relay.Options{
		Platform: platform,
		AI:       rt.ai,
		Store:    rt.store,
		Config:   rt.source,
		Archive:  rt.archive,
		Bus:      msgBus,
	})
}

// drain closes the bus and waits for in-flight events before cancelling
// their context.
func drain(msgBus *bus.MessageBus, done <-chan error, cancel context.CancelFunc) {
	msgBus.Close()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		logger.WarnC("main", "Timed out waiting for in-flight events")
	}
	cancel()
}

type stopper interface {
	Stop(ctx context.Context) error
}

// shutdown drains the relay, then stops the platform so in-flight replies
// can still be sent.
func shutdown(msgBus *bus.MessageBus, done <-chan error, cancel context.CancelFunc, component string, platform stopper) {
	drain(msgBus, done, cancel)
	if err := platform.Stop(context.Background()); err != nil {
		logger.WarnCF(component, "Stop failed", map[string]interface{}{"error": err.Error()})
	}
}

func gatewayCmd(debug bool) error {
	rt, err := openRuntime(true, debug)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := resolveAccount(rt.ai); err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	discord, err := channels.NewDiscordChannel(rt.cfg.Discord, msgBus)
	if err != nil {
		return err
	}
	svc := rt.newService(discord, msgBus)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := discord.Start(sigCtx); err != nil {
		return fmt.Errorf("start discord: %w", err)
	}
	fmt.Println("✓ Discord connected")

	healthServer := health.NewServer(rt.cfg.Gateway.Host, rt.cfg.Gateway.Port)
	healthServer.RegisterCheck("sessions", func() error {
		_, err := rt.store.SchemaVersion()
		return err
	})
	healthServer.RegisterCheck("discord", func() error {
		if !discord.IsRunning() {
			return errors.New("not connected")
		}
		return nil
	})
	go func() {
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("health", "Health server error", map[string]interface{}{"error": err.Error()})
		}
	}()
	healthServer.SetReady(true)
	fmt.Printf("✓ Health endpoints available at http://%s:%d/health, /ready and /metrics\n", rt.cfg.Gateway.Host, rt.cfg.Gateway.Port)
	if rt.archive != nil {
		fmt.Printf("✓ Archiving transcripts to bucket %s\n", rt.cfg.Archive.Bucket)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()
	fmt.Println("Press Ctrl+C to stop")

	<-sigCtx.Done()
	fmt.Println("\nShutting down...")
	healthServer.SetReady(false)
	shutdown(msgBus, done, cancel, "discord", discord)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = healthServer.Stop(stopCtx)
	fmt.Println("✓ Gateway stopped")
	return nil
}

func consoleCmd(debug bool) error {
	rt, err := openRuntime(false, debug)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := resolveAccount(rt.ai); err != nil {
		return err
	}

	msgBus := bus.NewMessageBus()
	console := channels.NewConsoleChannel(rt.cfg.ExportDir(), msgBus)
	svc := rt.newService(console, msgBus)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := console.Start(sigCtx); err != nil {
		return err
	}
	fmt.Printf("%s console (room %s). Type !cai new_chat <character_id> to begin, exit to quit.\n\n",
		appName, bus.RoomKey(console.Name(), channels.ConsoleRoomID))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(runCtx) }()

	select {
	case <-sigCtx.Done():
	case <-console.Done():
	}
	shutdown(msgBus, done, cancel, "console", console)
	fmt.Println("Goodbye!")
	return nil
}

func exportCmd(roomKey, outDir string) error {
	rt, err := openRuntime(false, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	sess, ok, err := rt.store.Get(ctx, roomKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("room %s has no chat", roomKey)
	}

	file, err := relay.ExportSession(ctx, rt.ai, rt.cfg, sess, time.Now())
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("no export format is enabled (export_txt, export_json, export_yaml)")
	}

	if strings.TrimSpace(outDir) == "" {
		outDir = rt.cfg.ExportDir()
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(outDir, file.Name)
	if err := os.WriteFile(path, file.Data, 0644); err != nil {
		return err
	}
	fmt.Printf("✓ Exported %s to %s\n", sess.ChatID, path)

	if rt.archive != nil {
		key, err := rt.archive.Put(ctx, roomKey, file)
		if err != nil {
			return fmt.Errorf("archive export: %w", err)
		}
		fmt.Printf("✓ Archived as %s\n", key)
	}
	return nil
}

func sessionsCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := session.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(context.Background())
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No rooms have a chat yet.")
		return nil
	}
	for _, s := range list {
		updated := "-"
		if s.UpdatedAtMS > 0 {
			updated = time.UnixMilli(s.UpdatedAtMS).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%s\n  character: %s\n  chat:      %s\n  updated:   %s\n", s.RoomID, s.CharacterID, s.ChatID, updated)
	}
	return nil
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your Character.AI token to", configPath)
	fmt.Println("  2. (Gateway mode) Add your Discord bot token to discord.token")
	fmt.Println("  3. Try it locally: cairelay console")
	fmt.Println("  4. Run gateway: cairelay gateway")
	fmt.Println("  5. Check readiness: cairelay status")
	return nil
}

func statusCmd() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	mark := func(ok bool, missing string) string {
		if ok {
			return "✓"
		}
		return missing
	}
	_, cfgErr := os.Stat(configPath)
	fmt.Println("Config:", configPath, mark(cfgErr == nil, "✗"))
	_, dbErr := os.Stat(cfg.DatabasePath())
	fmt.Println("Session DB:", cfg.DatabasePath(), mark(dbErr == nil, "not initialized"))

	caiReady := strings.TrimSpace(cfg.Token) != ""
	discordReady := strings.TrimSpace(cfg.Discord.Token) != ""
	fmt.Println("Character.AI token:", mark(caiReady, "not set"))
	fmt.Println("Discord token:", mark(discordReady, "not set"))
	fmt.Println("Default character:", mark(strings.TrimSpace(cfg.DefaultCharacterID) != "", "not set"))
	fmt.Println("Archive:", mark(cfg.Archive.Enabled, "disabled"))
	fmt.Println("Console ready:", mark(caiReady, "not set"))
	fmt.Println("Gateway ready:", mark(caiReady && discordReady, "not set"))
	return nil
}
