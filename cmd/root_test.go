package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicpulse/heatmap-cli/internal/analytics"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "query", "demo"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "heatmap-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestQueryCommand_Flags(t *testing.T) {
	for _, name := range []string{"bounds", "format", "output", "depth"} {
		assert.NotNil(t, queryCmd.Flags().Lookup(name), "query should have --%s flag", name)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root should have --%s flag", name)
	}
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "demo", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRootCommand_BadLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "demo", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init logger")
}

func TestRootCommand_ConfigFlagLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heatmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("region:\n  label: pune\n"), 0o644))

	_, err := execute(t, "demo", "--config", path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "pune", cfg.Region.Label)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		queryBounds, queryFormat, queryOutput, queryDepth = "", "", "", 0
		demoFormat, demoOutput = "json", ""
		configPath, logLevel = "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDemoCommand_JSON(t *testing.T) {
	out, err := execute(t, "demo", "--format", "json")
	require.NoError(t, err)

	var doc struct {
		DataPoints []map[string]any `json:"dataPoints"`
		Clusters   []map[string]any `json:"clusters"`
		Demo       bool             `json:"demo"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Len(t, doc.DataPoints, 3)
	assert.Len(t, doc.Clusters, 1)
	assert.True(t, doc.Demo)
}

func TestDemoCommand_FileAndBadFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.csv")
	_, err := execute(t, "demo", "--format", "csv", "--output", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = execute(t, "demo", "--format", "pdf")
	assert.Error(t, err)
}

func seedSQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract.db")
	sdb, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer sdb.Close() //nolint:errcheck

	_, err = sdb.Exec(analytics.SQLiteSchema)
	require.NoError(t, err)

	recent := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	_, err = sdb.Exec(`INSERT INTO issues VALUES ('p1', 77.205, 28.612, 0.8, ?, 'water', 'high', 'Pipe burst', '', 'open')`, recent)
	require.NoError(t, err)
	_, err = sdb.Exec(`INSERT INTO issues VALUES ('p2', 77.21, 28.62, 0.3, ?, 'water', 'low', '', '', '')`, recent)
	require.NoError(t, err)
	_, err = sdb.Exec(`INSERT INTO clusters VALUES ('c1', 77.21, 28.615, 2, 0.55, 400, 'water', 'water', 'high')`)
	require.NoError(t, err)
	return path
}

func TestQueryCommand_SQLiteSummary(t *testing.T) {
	t.Setenv("HEATMAP_BACKEND_DRIVER", "sqlite")
	t.Setenv("HEATMAP_BACKEND_SQLITE_PATH", seedSQLite(t))
	t.Setenv("HEATMAP_LOG_LEVEL", "error")

	out, err := execute(t, "query", "--bounds", "77.10,28.50,77.35,28.75")
	require.NoError(t, err)
	assert.Contains(t, out, "Points:     2")
	assert.Contains(t, out, "Clusters:   1")
	assert.Contains(t, out, "Water")
}

func TestQueryCommand_Export(t *testing.T) {
	t.Setenv("HEATMAP_BACKEND_DRIVER", "sqlite")
	t.Setenv("HEATMAP_BACKEND_SQLITE_PATH", seedSQLite(t))
	t.Setenv("HEATMAP_LOG_LEVEL", "error")

	path := filepath.Join(t.TempDir(), "out.geojson")
	_, err := execute(t, "query", "--bounds", "77.10,28.50,77.35,28.75", "--format", "geojson", "--output", path)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestQueryCommand_InvalidBounds(t *testing.T) {
	t.Setenv("HEATMAP_BACKEND_DRIVER", "sqlite")
	t.Setenv("HEATMAP_BACKEND_SQLITE_PATH", seedSQLite(t))
	t.Setenv("HEATMAP_LOG_LEVEL", "error")

	_, err := execute(t, "query", "--bounds", "78,29,77,28")
	assert.Error(t, err)
}
