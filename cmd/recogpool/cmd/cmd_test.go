package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/recogpool/pkg/api"
	"github.com/psantana5/recogpool/pkg/models"
)

// execute runs the root command in an isolated home and working directory
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		outputFormat = "table"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestConfigHashKey(t *testing.T) {
	out, err := execute(t, "config", "hash-key", "s3cret", "--output", "table")
	require.NoError(t, err)
	assert.NotContains(t, out, "api_key:")

	hash := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "api_key_hash:"))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestConfigShowMasksSecrets(t *testing.T) {
	t.Setenv("RECOGPOOL_SERVER_API_KEY", "topsecret")

	out, err := execute(t, "config", "show", "--output", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "max_instances: 15")
	assert.NotContains(t, out, "topsecret")
}

func TestConfigGenCert(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")

	out, err := execute(t, "config", "gen-cert", cert, key, "--cn", "front", "--output", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "CN=front")
	assert.FileExists(t, cert)
	assert.FileExists(t, key)
}

type staticPool struct{ snap models.PoolSnapshot }

func (p staticPool) Pool(context.Context) (models.PoolSnapshot, error) { return p.snap, nil }

func testSnapshot() models.PoolSnapshot {
	return models.PoolSnapshot{
		PoolState: models.PoolState{
			Running:    []string{"i-1"},
			Stopped:    []string{"i-2", "i-3"},
			QueueDepth: 4,
			InFlight:   1,
		},
		MaxInstances: 3,
		LastAction:   models.ScaleUp,
		LastCycle:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestPoolCommand(t *testing.T) {
	h := api.NewHandler(nil, staticPool{snap: testSnapshot()}, api.Config{})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "pool", "--url", srv.URL, "--output", "table")
		require.NoError(t, err)
		assert.Contains(t, out, "i-1")
		assert.Contains(t, out, "i-3")
		assert.Contains(t, out, "Running: 1 / 3 max")
		assert.Contains(t, out, "Queue depth: 4 (in flight: 1)")
		assert.Contains(t, out, "Last action: start at 2026-01-02T03:04:05Z")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "pool", "--url", srv.URL, "--output", "json")
		require.NoError(t, err)

		var snap models.PoolSnapshot
		require.NoError(t, json.Unmarshal([]byte(out), &snap))
		assert.Equal(t, []string{"i-2", "i-3"}, snap.Stopped)
		assert.Equal(t, 3, snap.MaxInstances)
	})
}

func TestRenderPoolEmpty(t *testing.T) {
	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	require.NoError(t, renderPool(c, &models.PoolSnapshot{MaxInstances: 15}))
	assert.Contains(t, out.String(), "No pool instances")
	assert.Contains(t, out.String(), "Running: 0 / 15 max")
	assert.NotContains(t, out.String(), "Last action")
}

func TestSubmitReportsFailures(t *testing.T) {
	h := api.NewHandler(nil, nil, api.Config{})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	missing := filepath.Join(t.TempDir(), "missing.jpg")
	_, err := os.Stat(missing)
	require.True(t, os.IsNotExist(err))

	out, err := execute(t, "submit", missing, "--url", srv.URL, "--output", "table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 submissions failed")
	assert.Contains(t, out, "missing.jpg")
}
