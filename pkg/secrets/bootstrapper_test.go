package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	sizes    map[string]int64
	sizeErr  error
	uploads  []string
	uploaded os.FileMode
	upErr    error
}

func (f *fakeTransport) Upload(_ context.Context, host, _, remotePath string, mode os.FileMode) error {
	f.uploads = append(f.uploads, host)
	f.uploaded = mode
	if f.upErr != nil {
		return f.upErr
	}
	f.sizes[host+remotePath] = 64
	return nil
}

func (f *fakeTransport) FileSize(_ context.Context, host, remotePath string) (int64, error) {
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return f.sizes[host+remotePath], nil
}

func keyFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets.key")
	if err := os.WriteFile(path, []byte("AGE-SECRET-KEY-TEST"), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func target() engine.Target {
	return engine.Target{Name: "postgresql", IP: "192.168.100.11", Host: "postgresql.nixmox.lan"}
}

func TestEnsureUploadsMissingKey(t *testing.T) {
	tr := &fakeTransport{sizes: map[string]int64{}}
	b := NewBootstrapper(tr, FileStore{KeyPath: keyFile(t)}, "", zerolog.Nop())

	if err := b.Ensure(context.Background(), target()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(tr.uploads) != 1 {
		t.Fatalf("uploads = %v", tr.uploads)
	}
	if tr.uploaded != 0o400 {
		t.Errorf("mode = %o, want 0400", tr.uploaded)
	}
}

func TestEnsureSkipsPresentKey(t *testing.T) {
	tr := &fakeTransport{sizes: map[string]int64{
		"postgresql.nixmox.lan" + DefaultRemoteKeyPath: 64,
	}}
	b := NewBootstrapper(tr, FileStore{KeyPath: keyFile(t)}, "", zerolog.Nop())

	if err := b.Ensure(context.Background(), target()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(tr.uploads) != 0 {
		t.Errorf("re-uploaded key that was already present: %v", tr.uploads)
	}
}

func TestEnsureFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T) *Bootstrapper
		wantStep string
	}{
		{
			"verify failure",
			func(t *testing.T) *Bootstrapper {
				tr := &fakeTransport{sizes: map[string]int64{}, sizeErr: errors.New("sftp refused")}
				return NewBootstrapper(tr, FileStore{KeyPath: keyFile(t)}, "", zerolog.Nop())
			},
			"verify",
		},
		{
			"extract failure",
			func(t *testing.T) *Bootstrapper {
				tr := &fakeTransport{sizes: map[string]int64{}}
				return NewBootstrapper(tr, FileStore{KeyPath: filepath.Join(t.TempDir(), "absent")}, "", zerolog.Nop())
			},
			"extract",
		},
		{
			"upload failure",
			func(t *testing.T) *Bootstrapper {
				tr := &fakeTransport{sizes: map[string]int64{}, upErr: errors.New("permission denied")}
				return NewBootstrapper(tr, FileStore{KeyPath: keyFile(t)}, "", zerolog.Nop())
			},
			"upload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.setup(t)
			err := b.Ensure(context.Background(), target())
			if err == nil {
				t.Fatal("expected error")
			}
			if engine.KindOf(err) != engine.KindBootstrap {
				t.Errorf("kind = %s, want %s", engine.KindOf(err), engine.KindBootstrap)
			}
			if engine.IsRetryable(err) {
				t.Error("bootstrap failure marked retryable")
			}
			if !strings.Contains(err.Error(), tt.wantStep) {
				t.Errorf("error %q does not name failing step %q", err.Error(), tt.wantStep)
			}
		})
	}
}

func TestEnsureEmptyLocalKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.key")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	tr := &fakeTransport{sizes: map[string]int64{}}
	b := NewBootstrapper(tr, FileStore{KeyPath: path}, "", zerolog.Nop())

	err := b.Ensure(context.Background(), target())
	if engine.KindOf(err) != engine.KindBootstrap {
		t.Fatalf("expected bootstrap error, got %v", err)
	}
	if len(tr.uploads) != 0 {
		t.Error("uploaded an empty key")
	}
}
