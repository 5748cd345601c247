package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTemplatesCommand(t *testing.T) {
	out, err := execute(t, "templates")
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	for _, id := range []string{"rent_vault", "group_buy_escrow", "stable_allowance_treasury"} {
		if !strings.Contains(out, id) {
			t.Fatalf("expected %s in output:\n%s", id, out)
		}
	}
}

func TestTemplatesCommandJSON(t *testing.T) {
	out, err := execute(t, "templates", "--json")
	if err != nil {
		t.Fatalf("templates --json: %v", err)
	}
	var list []map[string]any
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(list))
	}
}

func TestReadStateRejectsBadAddress(t *testing.T) {
	_, err := execute(t, "read-state", "rent_vault", "0xnope")
	if err == nil || !strings.Contains(err.Error(), "invalid address") {
		t.Fatalf("expected invalid address error, got %v", err)
	}
}

func TestSyncRequiresStoreConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := execute(t, "sync")
	if err == nil || !strings.Contains(err.Error(), "database_url") {
		t.Fatalf("expected database_url validation error, got %v", err)
	}
}

func TestConfigFileFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.yaml")
	if err := os.WriteFile(path, []byte("templates_dir: /does/not/exist\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "--config", path, "templates")
	if err == nil || !strings.Contains(err.Error(), "read template catalog") {
		t.Fatalf("expected catalog read error from configured templates_dir, got %v", err)
	}
}
