package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with args against an isolated data dir.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("FAULTLINE_DB_PATH", filepath.Join(home, "cli.db"))
}

var (
	idRe  = regexp.MustCompile(`id:\s+(\S+)`)
	keyRe = regexp.MustCompile(`api key:\s+(fl_\S+)`)
)

func TestProjectCreateAndRotate(t *testing.T) {
	isolate(t)

	out := run(t, "project", "create", "shop")
	id := idRe.FindStringSubmatch(out)
	key := keyRe.FindStringSubmatch(out)
	require.Len(t, id, 2, out)
	require.Len(t, key, 2, out)

	rotated := run(t, "project", "rotate-key", id[1])
	assert.Regexp(t, `^fl_[0-9a-f]{32}\n$`, rotated)
	assert.NotEqual(t, key[1]+"\n", rotated)
}

func TestEnrichCommand(t *testing.T) {
	isolate(t)
	analyzer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"suggestion":"check the pool size"}`))
	}))
	defer analyzer.Close()
	t.Setenv("FAULTLINE_ANALYZER_URL", analyzer.URL)

	out := run(t, "enrich", "--project", "nothing-here")
	assert.Equal(t, "stored 0, skipped 0, failed 0\n", out)
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	assert.Equal(t, Version+"\n", run(t, "version"))
}
