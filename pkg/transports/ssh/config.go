package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Privilege escalation commands.
const (
	PrivilegeNone = ""
	PrivilegeDoas = "doas"
	PrivilegeSudo = "sudo"
)

// Config holds SSH connection configuration for a managed node.
type Config struct {
	// Host is the remote hostname or IP address
	Host string `yaml:"host"`

	// Port is the SSH port (default: 22)
	Port int `yaml:"port"`

	// User is the SSH username
	User string `yaml:"user"`

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod `yaml:"auth_method"`

	// Password for password-based authentication
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty"`

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking"`

	// ConnectionTimeout bounds the TCP dial and handshake
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// CommandTimeout is the default timeout for commands without their own
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// KeepAliveInterval is the interval between keep-alive requests, 0 disables them
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// MaxKeepAliveRetries is how many keep-alives may fail before the connection is dropped
	MaxKeepAliveRetries int `yaml:"max_keep_alive_retries"`

	// Privilege is the escalation command prefixed to commands and used
	// for state file access: "", "doas" or "sudo".
	Privilege string `yaml:"privilege,omitempty"`

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string `yaml:"proxy_host,omitempty"`

	// ProxyPort is the port of the jump host
	ProxyPort int `yaml:"proxy_port,omitempty"`

	// ProxyUser is the username on the jump host
	ProxyUser string `yaml:"proxy_user,omitempty"`

	// ProxyPrivateKeyPath is the key used for the jump host
	ProxyPrivateKeyPath string `yaml:"proxy_private_key_path,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        10 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	switch c.Privilege {
	case PrivilegeNone, PrivilegeDoas, PrivilegeSudo:
	default:
		return fmt.Errorf("unsupported privilege command: %s", c.Privilege)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}
	return nil
}

func defaultKeyPath() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig for the target host.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods(c.AuthMethod, c.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return c.clientConfig(c.User, auth)
}

// BuildProxyClientConfig creates an ssh.ClientConfig for the jump host.
// The jump host uses its own key when set, the target's credentials otherwise.
func (c *Config) BuildProxyClientConfig() (*ssh.ClientConfig, error) {
	method, key := c.AuthMethod, c.PrivateKeyPath
	if c.ProxyPrivateKeyPath != "" {
		method, key = AuthMethodKey, c.ProxyPrivateKeyPath
	}
	auth, err := c.authMethods(method, key)
	if err != nil {
		return nil, err
	}
	return c.clientConfig(c.ProxyUser, auth)
}

func (c *Config) authMethods(method AuthMethod, keyPath string) ([]ssh.AuthMethod, error) {
	switch method {
	case AuthMethodPassword:
		password := c.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			// Many servers only offer keyboard-interactive for passwords
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", method)
}

func (c *Config) clientConfig(user string, auth []ssh.AuthMethod) (*ssh.ClientConfig, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ProxyAddress returns the jump host address, or "" when none is set.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, fmt.Sprint(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
