package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
daemon:
  log_level: error
storage:
  driver: memory
sources:
  - id: net-1
    name: lab network
    type: network
    hosts: ["10.0.0.1"]
  - id: sat-1
    name: lab satellite
    type: satellite
    hosts: ["127.0.0.1"]
    username: admin
    password: hunter2
    satellite_version: "5"
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func TestValidateRedactsSecrets(t *testing.T) {
	out, err := run(t, "validate", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "lab satellite")
}

func TestValidateFailsOnMissingConfig(t *testing.T) {
	_, err := run(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFingerprintPrintsReport(t *testing.T) {
	factsPath := filepath.Join(t.TempDir(), "facts.json")
	require.NoError(t, os.WriteFile(factsPath, []byte(`{
  "sources": [{"source_id": "net-1", "source_type": "network",
    "facts": [{"hostname": "app01", "eap_home_bin": {"/opt/eap": true}}]}]
}`), 0o600))

	out, err := run(t, "fingerprint", factsPath, "--config", writeConfig(t))
	require.NoError(t, err)

	var rep struct {
		Digest  string `json:"digest"`
		Systems []struct {
			Name     string `json:"name"`
			Products []struct {
				Name     string `json:"name"`
				Presence string `json:"presence"`
				Metadata struct {
					SourceName *string `json:"source_name"`
				} `json:"metadata"`
			} `json:"products"`
		} `json:"systems"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Len(t, rep.Systems, 1)
	assert.Equal(t, "app01", rep.Systems[0].Name)
	assert.Len(t, rep.Digest, 64)
	for _, p := range rep.Systems[0].Products {
		require.NotNil(t, p.Metadata.SourceName)
		assert.Equal(t, "lab network", *p.Metadata.SourceName)
	}
}

func TestConnectUnsupportedVersionFails(t *testing.T) {
	out, err := run(t, "connect", "sat-1", "--dry-run", "--config", writeConfig(t))
	require.Error(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &payload))
	assert.Equal(t, "failed", payload["status"])
}

func TestConnectUnknownSource(t *testing.T) {
	_, err := run(t, "connect", "missing", "--config", writeConfig(t))
	assert.Error(t, err)
}

func TestStorageCheck(t *testing.T) {
	out, err := run(t, "storage-check", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ok"`)
}

func TestLoadEnvFileRestores(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetaudit.env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nFLEETAUDIT_TEST_KEY = value\nbroken\n"), 0o600))
	t.Setenv("FLEETAUDIT_TEST_KEY", "before")

	restore, err := loadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "value", os.Getenv("FLEETAUDIT_TEST_KEY"))
	restore()
	assert.Equal(t, "before", os.Getenv("FLEETAUDIT_TEST_KEY"))
}
