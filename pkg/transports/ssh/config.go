package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the SSH connection settings shared by every target host.
// The orchestrator connects to all hosts as the same management user.
type Config struct {
	// User is the SSH username.
	User string `yaml:"user"`

	// Port is the SSH port.
	Port int `yaml:"port"`

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKeyPassphrase unlocks an encrypted private key.
	PrivateKeyPassphrase string `yaml:"-"`

	// KnownHostsPath is the known_hosts file used for host key
	// verification. Empty disables verification.
	KnownHostsPath string `yaml:"known_hosts_path"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a Config with the usual defaults.
func DefaultConfig(user string) Config {
	home, _ := os.UserHomeDir()
	return Config{
		User:           user,
		Port:           22,
		PrivateKeyPath: filepath.Join(home, ".ssh", "id_ed25519"),
		KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
		ConnectTimeout: 30 * time.Second,
	}
}

// Validate checks the config for usability.
func (c Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("ssh user is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid ssh port %d", c.Port)
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("ssh private key path is required")
	}
	return nil
}

// clientConfig builds the crypto/ssh client configuration.
func (c Config) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}
