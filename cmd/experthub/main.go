package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/experthub/experthub/internal/bridge"
	"github.com/experthub/experthub/internal/config"
	"github.com/experthub/experthub/internal/events"
	"github.com/experthub/experthub/internal/governor"
	"github.com/experthub/experthub/internal/hub"
	"github.com/experthub/experthub/internal/loader"
	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/registry"
	"github.com/experthub/experthub/internal/storage"
	"github.com/experthub/experthub/internal/task"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "dispatch":
		os.Exit(runDispatch(args))
	case "handlers":
		os.Exit(runHandlers(args))
	case "hash":
		os.Exit(runHash(args))
	case "allowlist":
		os.Exit(runAllowlist(args))
	case "version":
		fmt.Printf("experthub version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`experthub - Secure task orchestration hub

Usage:
  experthub <command> [flags]

Commands:
  serve       Run the hub in the foreground, reading task requests from stdin
  dispatch    Dispatch a single task and print the response
  handlers    List registered handlers
  hash        Print the content hash of an artifact
  allowlist   Write an allowlist manifest for the given artifacts
  version     Show version information
  help        Show this help message
`)
}

// service bundles everything a running hub needs, so serve and dispatch
// share one assembly path.
type service struct {
	cfg      *config.Config
	registry *registry.Registry
	hub      *hub.Hub
	loader   *loader.Loader
	events   *events.Hub
	close    func()
}

func buildService(configPath string) (*service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	db, err := storage.OpenSQLite(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	mem := memory.New(db, memory.Options{
		MaxFragments:  cfg.Memory.MaxFragments,
		EmbeddingDim:  cfg.Memory.EmbeddingDim,
		MaxValueBytes: cfg.Memory.MaxValueBytes,
	})

	reg := registry.New()
	if err := registerBuiltins(reg, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := registerConfigured(reg, cfg); err != nil {
		db.Close()
		return nil, err
	}

	evts := events.NewHub()

	allowlist, err := cfg.ResolveAllowlist()
	if err != nil {
		db.Close()
		return nil, err
	}
	ld, err := loader.New(cfg.Plugins, reg, allowlist, evts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := ld.Scan(context.Background()); err != nil {
		logger.Error("initial plugin scan failed", "error", err)
	}

	gov := governor.New(cfg.Hub.MaxConcurrent, cfg.Hub.AcquireTimeout)
	h := hub.New(reg, gov, mem, storage.NewAuditLog(db), evts, cfg.Hub)

	logger.Info("service assembled",
		"handlers", reg.Len(),
		"max_concurrent", cfg.Hub.MaxConcurrent,
		"verify", cfg.Plugins.Verify)

	return &service{
		cfg:      cfg,
		registry: reg,
		hub:      h,
		loader:   ld,
		events:   evts,
		close:    func() { db.Close() },
	}, nil
}

// registerBuiltins installs the handlers that ship with the service.
func registerBuiltins(reg *registry.Registry, cfg *config.Config) error {
	builtins := []registry.Descriptor{
		{
			Name:         "echo",
			Backend:      registry.BackendNative,
			Capabilities: []string{"diagnostics"},
			Source:       "builtin",
			Invoker: bridge.NewNative("echo", func(ctx context.Context, payload json.RawMessage, mem *memory.Store) (json.RawMessage, error) {
				if len(payload) == 0 {
					return json.RawMessage(`null`), nil
				}
				return payload, nil
			}),
		},
		{
			Name:         "remember",
			Backend:      registry.BackendNative,
			Capabilities: []string{"memory"},
			Source:       "builtin",
			Invoker:      bridge.NewNative("remember", rememberFunc),
		},
		{
			Name:         "recall",
			Backend:      registry.BackendNative,
			Capabilities: []string{"memory"},
			Source:       "builtin",
			Invoker:      bridge.NewNative("recall", recallFunc),
		},
		{
			Name:         "eval",
			Backend:      registry.BackendInterp,
			Capabilities: []string{"compute"},
			Source:       "builtin",
			Invoker:      bridge.NewInterp(cfg.Interpreter.MaxExprBytes, cfg.Interpreter.MaxDepth),
		},
		{
			Name:         "generate",
			Backend:      registry.BackendModel,
			Capabilities: []string{"inference"},
			Source:       "builtin",
			Invoker:      bridge.NewModelBridge(cfg.Models.Dir, cfg.Models.DefaultModel),
		},
	}
	for _, d := range builtins {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register builtin %q: %w", d.Name, err)
		}
	}
	return nil
}

// registerConfigured installs the subprocess handlers declared in config.
func registerConfigured(reg *registry.Registry, cfg *config.Config) error {
	for name, hc := range cfg.Handlers {
		if !hc.Enabled {
			continue
		}
		inv, err := bridge.NewSubprocess(hc.Entrypoint, hc.Args, name)
		if err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		d := registry.Descriptor{
			Name:         name,
			Backend:      registry.BackendSubprocess,
			Capabilities: hc.Capabilities,
			Source:       "config:" + name,
			Invoker:      inv,
		}
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register handler %q: %w", name, err)
		}
	}
	return nil
}

func rememberFunc(ctx context.Context, payload json.RawMessage, mem *memory.Store) (json.RawMessage, error) {
	var p struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	id, err := mem.AppendFragment(p.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": id})
}

func recallFunc(ctx context.Context, payload json.RawMessage, mem *memory.Store) (json.RawMessage, error) {
	var p struct {
		Query         string  `json:"query"`
		Limit         int     `json:"limit,omitempty"`
		MinSimilarity float64 `json:"min_similarity,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if p.Query == "" {
		return nil, errors.New("payload missing query")
	}
	return json.Marshal(mem.Search(p.Query, p.Limit, p.MinSimilarity))
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	svc, err := buildService(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer svc.close()

	logger := log.WithComponent("main")
	logger.Info("experthub starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	watcher := loader.NewWatcher(svc.loader, svc.cfg.Plugins.WatchInterval)
	go func() {
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watcher failed", "error", err)
		}
	}()

	// Serve mode reads one task request per stdin line and writes one
	// response per line, so the hub can be driven by anything that can
	// write JSON to a pipe.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		enc := json.NewEncoder(os.Stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var req task.Request
			if err := json.Unmarshal([]byte(line), &req); err != nil {
				_ = enc.Encode(task.Response{Error: fmt.Sprintf("InvalidRequest: %v", err)})
				continue
			}
			_ = enc.Encode(svc.hub.Dispatch(ctx, req))
		}
	}()

	logger.Info("experthub running (press Ctrl+C to stop)")
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
	cancel()
	return 0
}

func runDispatch(args []string) int {
	var configPath, handler, payload string
	var timeout time.Duration

	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&handler, "handler", "", "Handler name")
	fs.StringVar(&payload, "payload", "{}", "JSON payload")
	fs.DurationVar(&timeout, "timeout", 0, "Task timeout (0 uses the configured default)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if handler == "" {
		fmt.Fprintf(os.Stderr, "Usage: experthub dispatch --handler NAME [--payload JSON] [--timeout DUR]\n")
		return 1
	}

	svc, err := buildService(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer svc.close()

	resp := svc.hub.Dispatch(context.Background(), task.Request{
		Handler: handler,
		Payload: json.RawMessage(payload),
		Timeout: timeout,
	})

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	if !resp.Success {
		return 1
	}
	return 0
}

func runHandlers(args []string) int {
	fs := flag.NewFlagSet("handlers", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	svc, err := buildService(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	defer svc.close()

	type row struct {
		Name         string   `json:"name"`
		Backend      string   `json:"backend"`
		Source       string   `json:"source"`
		Capabilities []string `json:"capabilities,omitempty"`
		Warning      string   `json:"warning,omitempty"`
	}
	var rows []row
	for d := range svc.registry.List() {
		rows = append(rows, row{
			Name:         d.Name,
			Backend:      string(d.Backend),
			Source:       d.Source,
			Capabilities: d.Capabilities,
			Warning:      d.Warning,
		})
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	for _, r := range rows {
		line := fmt.Sprintf("%-20s %-12s %s", r.Name, r.Backend, r.Source)
		if r.Warning != "" {
			line += "  [unverified]"
		}
		fmt.Println(line)
	}
	return 0
}

func runHash(args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: experthub hash <file>\n")
		return 1
	}
	hash, err := loader.HashFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hash failed: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}

func runAllowlist(args []string) int {
	var out string
	fs := flag.NewFlagSet("allowlist", flag.ExitOnError)
	fs.StringVar(&out, "out", "allowlist.yaml", "Output manifest path")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: experthub allowlist [--out PATH] <artifact>...\n")
		return 1
	}

	hashes := make([]string, 0, fs.NArg())
	for _, path := range fs.Args() {
		hash, err := loader.HashFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Hash failed for %s: %v\n", path, err)
			return 1
		}
		fmt.Printf("  HASH %s: %s\n", path, hash)
		hashes = append(hashes, hash)
	}

	if err := config.WriteAllowlist(out, hashes); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write manifest: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s (%d artifacts)\n", out, len(hashes))
	return 0
}
