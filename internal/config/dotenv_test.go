package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDotenvParsesValues(t *testing.T) {
	path := writeDotenv(t, `# daemon listener
NRN_PORT=4518
NRN_HOST=127.0.0.1

UNDOABLE_TOKEN="tok-abc123"
UNDOABLE_SECURITY_POLICY='balanced'

# whitespace around the separator is tolerated
UNDOABLE_MAX_ITERATIONS = 12
`)

	keys := map[string]string{
		"NRN_PORT":                 "4518",
		"NRN_HOST":                 "127.0.0.1",
		"UNDOABLE_TOKEN":           "tok-abc123",
		"UNDOABLE_SECURITY_POLICY": "balanced",
		"UNDOABLE_MAX_ITERATIONS":  "12",
	}
	for k := range keys {
		os.Unsetenv(k)
		key := k
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	for k, want := range keys {
		if got := os.Getenv(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestLoadDotenvKeepsProcessEnv(t *testing.T) {
	path := writeDotenv(t, "UNDOABLE_RUN_MODE=apply\n")
	t.Setenv("UNDOABLE_RUN_MODE", "plan")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("UNDOABLE_RUN_MODE"); got != "plan" {
		t.Errorf("process env overridden: got %q", got)
	}
}

func TestLoadDotenvAcceptsExportPrefix(t *testing.T) {
	path := writeDotenv(t, "export UNDOABLE_BODY_LIMIT_MB=25\n")
	os.Unsetenv("UNDOABLE_BODY_LIMIT_MB")
	t.Cleanup(func() { os.Unsetenv("UNDOABLE_BODY_LIMIT_MB") })

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("UNDOABLE_BODY_LIMIT_MB"); got != "25" {
		t.Errorf("UNDOABLE_BODY_LIMIT_MB = %q, want %q", got, "25")
	}
}

func TestLoadDotenvSkipsMalformedLines(t *testing.T) {
	path := writeDotenv(t, "not a key value pair\nUNDOABLE_ECONOMY_MODE=true\n")
	os.Unsetenv("UNDOABLE_ECONOMY_MODE")
	t.Cleanup(func() { os.Unsetenv("UNDOABLE_ECONOMY_MODE") })

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("UNDOABLE_ECONOMY_MODE"); got != "true" {
		t.Errorf("UNDOABLE_ECONOMY_MODE = %q, want %q", got, "true")
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing file should be a no-op, got %v", err)
	}
}
