// Package secrets stages the per-host secret decryption key onto
// target hosts before configuration is applied.
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/nixmox/orchestrator/pkg/engine"
	"github.com/rs/zerolog"
)

// DefaultRemoteKeyPath is where target hosts expect their decryption
// key.
const DefaultRemoteKeyPath = "/etc/nixmox/secrets.key"

// Transport stages files onto target hosts. Implemented by the SSH
// client.
type Transport interface {
	Upload(ctx context.Context, host, localPath, remotePath string, mode os.FileMode) error
	FileSize(ctx context.Context, host, remotePath string) (int64, error)
}

// Store produces the local key material for a target host. The
// returned cleanup removes any temporary file.
type Store interface {
	MaterializeKey(ctx context.Context, target engine.Target) (path string, cleanup func(), err error)
}

// FileStore is a Store backed by a single pre-extracted key file shared
// by all hosts.
type FileStore struct {
	// KeyPath is the local key file.
	KeyPath string
}

// MaterializeKey implements Store.
func (s FileStore) MaterializeKey(_ context.Context, _ engine.Target) (string, func(), error) {
	info, err := os.Stat(s.KeyPath)
	if err != nil {
		return "", nil, fmt.Errorf("local key file: %w", err)
	}
	if info.Size() == 0 {
		return "", nil, fmt.Errorf("local key file %s is empty", s.KeyPath)
	}
	return s.KeyPath, func() {}, nil
}

// Bootstrapper implements engine.SecretBootstrapper: it verifies the
// key on the target host and stages it when missing. A failure here is
// terminal for the service; mutating the key path twice in a row is
// worse than failing loudly.
type Bootstrapper struct {
	transport Transport
	store     Store
	remote    string
	logger    zerolog.Logger
}

// NewBootstrapper creates a bootstrapper staging keys at remotePath.
// Empty remotePath uses DefaultRemoteKeyPath.
func NewBootstrapper(transport Transport, store Store, remotePath string, logger zerolog.Logger) *Bootstrapper {
	if remotePath == "" {
		remotePath = DefaultRemoteKeyPath
	}
	return &Bootstrapper{
		transport: transport,
		store:     store,
		remote:    remotePath,
		logger:    logger.With().Str("component", "secrets").Logger(),
	}
}

// Ensure makes sure the target host holds a non-empty key file,
// uploading it when absent. Already-bootstrapped hosts are untouched.
func (b *Bootstrapper) Ensure(ctx context.Context, target engine.Target) error {
	size, err := b.transport.FileSize(ctx, target.Host, b.remote)
	if err != nil {
		return b.failure(target, "verify", err)
	}
	if size > 0 {
		b.logger.Debug().Str("host", target.Host).Msg("secret key already present")
		return nil
	}

	local, cleanup, err := b.store.MaterializeKey(ctx, target)
	if err != nil {
		return b.failure(target, "extract", err)
	}
	defer cleanup()

	if err := b.transport.Upload(ctx, target.Host, local, b.remote, 0o400); err != nil {
		return b.failure(target, "upload", err)
	}

	size, err = b.transport.FileSize(ctx, target.Host, b.remote)
	if err != nil {
		return b.failure(target, "reverify", err)
	}
	if size == 0 {
		return b.failure(target, "reverify", fmt.Errorf("uploaded key at %s is empty", b.remote))
	}

	b.logger.Info().Str("host", target.Host).Str("path", b.remote).Msg("secret key staged")
	return nil
}

func (b *Bootstrapper) failure(target engine.Target, step string, err error) error {
	return engine.NewStepError(engine.KindBootstrap,
		fmt.Sprintf("secret bootstrap %s failed on %s", step, target.Host), err).
		WithService(target.Name).
		WithStep(engine.StepConfigApply)
}
