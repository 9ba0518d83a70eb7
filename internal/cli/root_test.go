package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/briefsync/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "briefsync", cmd.Use)
	assert.Contains(t, cmd.Long, "replica")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"}, {"pull"}, {"push"}, {"locks"},
		{"schema", "import"}, {"export"}, {"transform"}, {"hub", "serve"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	replicaFlag := cmd.PersistentFlags().Lookup("replica")
	require.NotNil(t, replicaFlag)
	assert.Equal(t, "r", replicaFlag.Shorthand)

	for _, name := range []string{"config", "hub"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestPushCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	pushCmd, _, err := cmd.Find([]string{"push"})
	require.NoError(t, err)

	messageFlag := pushCmd.Flags().Lookup("message")
	require.NotNil(t, messageFlag)
	assert.Equal(t, "m", messageFlag.Shorthand)
}

func TestTransformCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	transformCmd, _, err := cmd.Find([]string{"transform"})
	require.NoError(t, err)

	for _, name := range []string{"changes", "since", "message", "scope", "detect-deletes"} {
		assert.NotNil(t, transformCmd.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "pull", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "briefsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  url: ws://from-file\nreplica:\n  path: file.db\n"), 0o644))

	opts := &RootOptions{ConfigPath: path}
	require.NoError(t, opts.loadConfig())
	assert.Equal(t, "ws://from-file", opts.Config.Hub.URL)
	assert.Equal(t, "file.db", opts.Config.Replica.Path)

	opts = &RootOptions{ConfigPath: path, HubURL: "ws://from-flag", Replica: "flag.db"}
	require.NoError(t, opts.loadConfig())
	assert.Equal(t, "ws://from-flag", opts.Config.Hub.URL)
	assert.Equal(t, "flag.db", opts.Config.Replica.Path)
}

func TestLoadConfig_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  listen: \":9999\"\n"), 0o644))
	t.Setenv("BRIEFSYNC_CONFIG", path)

	opts := &RootOptions{}
	require.NoError(t, opts.loadConfig())
	assert.Equal(t, ":9999", opts.Config.Hub.Listen)
	assert.Equal(t, config.DefaultHubURL, opts.Config.Hub.URL)
}

func TestLoadConfig_ExplicitMissing(t *testing.T) {
	opts := &RootOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")}
	err := opts.loadConfig()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadSchemas(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		return p
	}
	a := write("a.cue", `schema: Alpha: {references: ["Core"], classes: {}}`)
	write("b.cue", `schema: Beta: {references: ["Core"], classes: {}}`)

	schemas, err := LoadSchemas(dir)
	require.NoError(t, err)
	require.Len(t, schemas, 2)
	assert.Equal(t, "Alpha", schemas[0].Name)
	assert.Equal(t, "Beta", schemas[1].Name)

	_, err = LoadSchemas(dir, a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema Alpha already declared")

	_, err = LoadSchemas(filepath.Join(dir, "nope.cue"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "schema path not found", loadErr.Message)

	_, err = LoadSchemas(t.TempDir())
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "no CUE files found", loadErr.Message)

	schemas, err = LoadSchemas()
	require.NoError(t, err)
	assert.Empty(t, schemas)
}
