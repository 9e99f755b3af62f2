package state

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
)

func openStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadEmptyDatabase(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.db"))

	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("fresh database has %d deployments", len(state))
	}
}

func TestRecordAndLoad(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	deployed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	d := engine.Deployment{
		DeployedAt: deployed,
		Version:    "gen-12",
		DependsOn:  []string{"postgresql", "caddy"},
		IP:         "192.168.100.20",
		Hostname:   "vault",
	}
	if err := s.Record(ctx, "vaultwarden", d); err != nil {
		t.Fatalf("Record: %v", err)
	}

	state, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := state["vaultwarden"]
	if !ok {
		t.Fatalf("vaultwarden missing from state: %v", state)
	}
	if !got.DeployedAt.Equal(deployed) {
		t.Errorf("deployed_at = %v, want %v", got.DeployedAt, deployed)
	}
	if got.Version != "gen-12" || got.IP != "192.168.100.20" || got.Hostname != "vault" {
		t.Errorf("deployment = %+v", got)
	}
	if !reflect.DeepEqual(got.DependsOn, []string{"postgresql", "caddy"}) {
		t.Errorf("depends_on = %v", got.DependsOn)
	}
}

func TestRecordUpsert(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	first := engine.Deployment{DeployedAt: time.Now().UTC(), Version: "gen-1"}
	second := engine.Deployment{DeployedAt: time.Now().UTC(), Version: "gen-2", DependsOn: []string{"postgresql"}}

	if err := s.Record(ctx, "gitea", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, "gitea", second); err != nil {
		t.Fatal(err)
	}

	state, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state) != 1 {
		t.Fatalf("expected single row, got %d", len(state))
	}
	if state["gitea"].Version != "gen-2" {
		t.Errorf("version = %q, want gen-2", state["gitea"].Version)
	}
}

func TestForget(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := context.Background()

	if err := s.Record(ctx, "gitea", engine.Deployment{DeployedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Forget(ctx, "gitea"); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	state, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(state) != 0 {
		t.Errorf("service still present after Forget: %v", state)
	}
}

func TestOpenCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := openStore(t, path)
	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after corrupt recovery: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("recovered state not empty: %v", state)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt database not preserved: %v", err)
	}
}

func TestStatePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s := openStore(t, path)
	if err := s.Record(ctx, "caddy", engine.Deployment{DeployedAt: time.Now().UTC(), Version: "gen-3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := openStore(t, path)
	state, err := s2.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state["caddy"].Version != "gen-3" {
		t.Errorf("state lost across reopen: %+v", state)
	}
}
