// Package loader discovers plugin artifacts, verifies them against the hash
// allowlist, registers the handlers they export, and quarantines anything
// that fails a gate. Rescans are idempotent: a known-bad hash is never
// re-quarantined and an unchanged artifact is never re-registered.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/experthub/experthub/internal/bridge"
	"github.com/experthub/experthub/internal/config"
	"github.com/experthub/experthub/internal/events"
	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/protocol"
	"github.com/experthub/experthub/internal/registry"
)

// artifactState tracks one loaded artifact across rescans.
type artifactState struct {
	hash     string
	handlers []string
}

// Loader scans the plugin dir and keeps the registry in sync with it.
type Loader struct {
	cfg        config.PluginsConfig
	registry   *registry.Registry
	verifier   *Verifier
	quarantine *Quarantine
	hub        *events.Hub
	logger     *slog.Logger

	artifacts map[string]artifactState
	// rejected remembers hashes that already failed a gate so a rescan does
	// not quarantine the same content twice.
	rejected map[string]struct{}
}

// New builds a loader. The quarantine dir is created and existing quarantine
// records seed the rejected-hash set.
func New(cfg config.PluginsConfig, reg *registry.Registry, allowlist []string, hub *events.Hub) (*Loader, error) {
	logger := log.WithComponent("loader")

	q, err := NewQuarantine(cfg.QuarantineDir, logger)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		cfg:        cfg,
		registry:   reg,
		verifier:   NewVerifier(cfg.Verify, allowlist),
		quarantine: q,
		hub:        hub,
		logger:     logger,
		artifacts:  make(map[string]artifactState),
		rejected:   make(map[string]struct{}),
	}

	records, err := q.Records()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Hash != "" {
			l.rejected[rec.Hash] = struct{}{}
		}
	}
	return l, nil
}

// Scan walks the plugin dir once and reconciles the registry against it:
// new and changed artifacts are verified and registered, removed artifacts
// are deregistered, and policy violations are quarantined.
func (l *Loader) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(l.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read plugin dir: %w", err)
	}

	present := make(map[string]struct{})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(l.cfg.Dir, entry.Name())
		present[path] = struct{}{}

		if err := l.scanArtifact(ctx, path, entry); err != nil {
			l.logger.Error("artifact scan failed", "path", path, "error", err)
		}
	}

	// Artifacts that vanished from the dir lose their handlers.
	for path, st := range l.artifacts {
		if _, ok := present[path]; ok {
			continue
		}
		l.dropHandlers(path, st.handlers, nil)
		delete(l.artifacts, path)
	}
	return nil
}

func (l *Loader) scanArtifact(ctx context.Context, path string, entry os.DirEntry) error {
	// Extension and size gates run before any hashing so oversized or
	// mistyped files cost nothing to reject.
	ext := filepath.Ext(entry.Name())
	if !slices.Contains(l.cfg.AllowedExtensions, ext) {
		// Not an artifact. Sidecar files and stray content are ignored.
		return nil
	}

	info, err := entry.Info()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if info.Size() > l.cfg.MaxArtifactBytes {
		_, qerr := l.quarantine.Isolate(path, "", fmt.Sprintf("artifact size %d exceeds limit %d", info.Size(), l.cfg.MaxArtifactBytes))
		l.publishQuarantined(path, "", "oversize")
		return qerr
	}

	hash, err := HashFile(path)
	if err != nil {
		return err
	}

	if _, bad := l.rejected[hash]; bad {
		// Same content already failed a gate; remove it quietly.
		l.logger.Debug("skipping previously rejected artifact", "path", path, "hash", hash)
		if err := os.Remove(path); err != nil {
			l.logger.Warn("failed to remove rejected artifact", "path", path, "error", err)
		}
		return nil
	}

	if st, loaded := l.artifacts[path]; loaded && st.hash == hash {
		return nil
	}

	if !l.verifier.Admit(hash) {
		l.rejected[hash] = struct{}{}
		if _, qerr := l.quarantine.Isolate(path, hash, "hash not on allowlist"); qerr != nil {
			return qerr
		}
		l.publishQuarantined(path, hash, "unverified")
		return nil
	}

	decls, err := l.register(ctx, path)
	if err != nil {
		l.rejected[hash] = struct{}{}
		if _, qerr := l.quarantine.Isolate(path, hash, fmt.Sprintf("registration failed: %v", err)); qerr != nil {
			return qerr
		}
		l.publishQuarantined(path, hash, "register_failed")
		return nil
	}

	warning := ""
	if !l.verifier.Enabled() {
		warning = "verification disabled; artifact admitted without allowlist check"
		l.logger.Warn("admitting unverified artifact", "path", path, "hash", hash)
	}

	names := make([]string, 0, len(decls))
	for _, decl := range decls {
		inv, err := bridge.NewSubprocess(path, nil, decl.Name)
		if err != nil {
			return err
		}
		d := registry.Descriptor{
			Name:         decl.Name,
			Backend:      registry.BackendPlugin,
			Capabilities: decl.Capabilities,
			Source:       path,
			Hash:         hash,
			Warning:      warning,
			Invoker:      inv,
		}
		if err := l.registry.Replace(d); err != nil {
			return err
		}
		names = append(names, decl.Name)
	}

	// A changed artifact may have dropped handlers it used to export.
	if prev, loaded := l.artifacts[path]; loaded {
		l.dropHandlers(path, prev.handlers, names)
	}
	l.artifacts[path] = artifactState{hash: hash, handlers: names}

	l.logger.Info("artifact loaded", "path", path, "hash", hash, "handlers", names)
	l.hub.Publish(events.TypePluginLoaded, map[string]any{
		"path": path, "hash": hash, "handlers": names,
	})
	return nil
}

// register runs the artifact's register entry point and validates what it
// declares. The call runs under its own timeout; a hung or crashing artifact
// is a registration failure, not a service fault.
func (l *Loader) register(ctx context.Context, path string) ([]protocol.HandlerDecl, error) {
	timeout := l.cfg.RegisterTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	req := &protocol.Request{
		Protocol:   protocol.Version,
		Op:         protocol.OpRegister,
		DeadlineAt: time.Now().Add(timeout),
	}

	resp, stderr, err := bridge.Run(ctx, path, nil, req, timeout, l.logger)
	if err != nil {
		if stderr != "" {
			l.logger.Debug("register stderr", "path", path, "stderr", stderr)
		}
		return nil, fmt.Errorf("register call failed: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("register returned error: %s", resp.Error)
	}
	if len(resp.Handlers) == 0 {
		return nil, fmt.Errorf("artifact declared no handlers")
	}

	seen := make(map[string]struct{}, len(resp.Handlers))
	for _, decl := range resp.Handlers {
		name := strings.TrimSpace(decl.Name)
		if name == "" {
			return nil, fmt.Errorf("artifact declared a handler with an empty name")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("artifact declared handler %q twice", name)
		}
		seen[name] = struct{}{}
	}
	return resp.Handlers, nil
}

// dropHandlers deregisters the handlers in old that are absent from keep,
// but only if this artifact still owns the registration.
func (l *Loader) dropHandlers(path string, old, keep []string) {
	for _, name := range old {
		if slices.Contains(keep, name) {
			continue
		}
		d, err := l.registry.Resolve(name)
		if err != nil || d.Source != path {
			continue
		}
		if err := l.registry.Deregister(name); err != nil {
			l.logger.Error("failed to deregister handler", "handler", name, "error", err)
			continue
		}
		l.logger.Info("handler deregistered", "handler", name, "path", path)
		l.hub.Publish(events.TypePluginDeregistered, map[string]any{
			"handler": name, "path": path,
		})
	}
}

func (l *Loader) publishQuarantined(path, hash, reason string) {
	l.hub.Publish(events.TypePluginQuarantined, map[string]any{
		"path": path, "hash": hash, "reason": reason,
	})
}
