package hub

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/experthub/experthub/internal/config"
	"github.com/experthub/experthub/internal/events"
	"github.com/experthub/experthub/internal/loader"
	"github.com/experthub/experthub/internal/registry"
	"github.com/experthub/experthub/internal/task"
)

const echoPlugin = `#!/bin/sh
input=$(cat)
case "$input" in
*'"op":"register"'*)
    echo '{"status":"ok","handlers":[{"name":"plug.echo","capabilities":["diagnostics"]}]}'
    ;;
*'"op":"invoke"'*)
    payload=$(printf '%s' "$input" | sed -n 's/.*"payload":\({[^}]*}\).*/\1/p')
    [ -z "$payload" ] && payload=null
    printf '{"status":"ok","result":%s}\n' "$payload"
    ;;
*)
    echo '{"status":"error","error":"unsupported op"}'
    ;;
esac
`

// End to end: an artifact dropped in the plugin dir is hashed, verified,
// registered, and dispatchable through the hub.
func TestPluginDispatchEndToEnd(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "echo.plugin")
	require.NoError(t, os.WriteFile(artifact, []byte(echoPlugin), 0755))

	hash, err := loader.HashFile(artifact)
	require.NoError(t, err)

	th := newTestHub(t, config.HubConfig{})
	evts := events.NewHub()

	ld, err := loader.New(config.PluginsConfig{
		Dir:               dir,
		QuarantineDir:     filepath.Join(dir, "quarantine"),
		AllowedExtensions: []string{".plugin"},
		MaxArtifactBytes:  1 << 20,
		Verify:            true,
	}, th.registry, []string{hash}, evts)
	require.NoError(t, err)

	ch, cancel := evts.Subscribe(4)
	defer cancel()

	require.NoError(t, ld.Scan(t.Context()))

	d, err := th.registry.Resolve("plug.echo")
	require.NoError(t, err)
	require.Equal(t, registry.BackendPlugin, d.Backend)
	require.Equal(t, hash, d.Hash)
	require.Empty(t, d.Warning)

	evt := <-ch
	require.Equal(t, events.TypePluginLoaded, evt.Type)

	resp := th.hub.Dispatch(t.Context(), task.Request{
		Handler: "plug.echo",
		Payload: json.RawMessage(`{"msg":"round trip"}`),
	})
	require.True(t, resp.Success, "dispatch failed: %s", resp.Error)
	require.JSONEq(t, `{"msg":"round trip"}`, string(resp.Result))

	// Removing the artifact deregisters its handlers on the next scan.
	require.NoError(t, os.Remove(artifact))
	require.NoError(t, ld.Scan(t.Context()))

	resp = th.hub.Dispatch(t.Context(), task.Request{Handler: "plug.echo"})
	require.Equal(t, "HandlerNotFound", resp.Error)
}
