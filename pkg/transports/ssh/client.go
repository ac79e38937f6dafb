// Package ssh implements engine.Transport over SSH.
//
// Commands run in SSH sessions; state files are read and replaced over
// SFTP, or through the configured privilege command when one is set so
// that root-owned files such as /etc/rc.conf.local can be rewritten by an
// unprivileged login.
package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/converge/pkg/engine"
)

// TransportError represents a connection level failure.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "session", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if reconnecting may help
	IsTemporary bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may go away on reconnect.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is an engine.Transport backed by one SSH connection.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	conn        *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	stop        chan struct{}
}

var _ engine.Transport = (*Client)(nil)

// NewClient creates a client. The connection is opened by Connect or
// lazily by the first command.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("ssh config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Connect opens the connection, reusing a live one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		if err := ping(c.conn); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	targetConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	if c.config.IsProxyEnabled() {
		err = c.dialViaProxy(ctx, targetConfig)
	} else {
		c.conn, err = dial(ctx, c.config.Address(), targetConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.conn, c.stop)
	}
	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial connects to address, giving up when ctx is done.
func dial(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type dialed struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialed, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		ch <- dialed{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if d := <-ch; d.client != nil {
				_ = d.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case d := <-ch:
		if d.err != nil {
			return nil, &TransportError{Op: "connect", Err: d.err, IsTemporary: true}
		}
		return d.client, nil
	}
}

func (c *Client) dialViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.BuildProxyClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err}
	}

	c.logger.Debug().Str("proxy", c.config.ProxyAddress()).Msg("Connecting through jump host")
	proxy, err := dial(ctx, c.config.ProxyAddress(), proxyConfig)
	if err != nil {
		return err
	}

	address := c.config.Address()
	netConn, err := proxy.Dial("tcp", address)
	if err != nil {
		_ = proxy.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, targetConfig)
	if err != nil {
		_ = netConn.Close()
		_ = proxy.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err}
	}

	c.proxy = proxy
	c.conn = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Close closes the SFTP session and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether a connection is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck runs a no-op command on the node.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return ping(conn)
}

func ping(conn *ssh.Client) error {
	session, err := conn.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()
	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, dropping connection")
				_ = conn.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

// connection returns the open connection, connecting first if needed.
func (c *Client) connection(ctx context.Context) (*ssh.Client, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.conn, nil
}

// sftpClient returns the SFTP session, opening it on first use.
func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	c.sftp = client
	return client, nil
}
