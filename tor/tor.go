// Package tor asks a running Tor daemon for a new circuit through its
// control port, so that subsequent requests leave from a different exit.
package tor

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/YashengChen/crawlerkit"
)

// DefaultAddress is Tor's default control port.
const DefaultAddress = "127.0.0.1:9051"

const replyOK = 250

// Config locates and authenticates against the control port.
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c Config) address() string {
	if c.Address == "" {
		return DefaultAddress
	}
	return c.Address
}

// Controller is an authenticated control-port session.
type Controller struct {
	conn   *textproto.Conn
	logger crawlerkit.Logger
}

// Dial connects and authenticates. An empty password sends a bare
// AUTHENTICATE, which Tor accepts when no control auth is configured.
func Dial(ctx context.Context, cfg Config, logger crawlerkit.Logger) (*Controller, error) {
	if logger == nil {
		logger = &crawlerkit.NoOpLogger{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("tor: dial %s: %w", cfg.address(), err)
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = raw.SetDeadline(deadline)

	c := &Controller{conn: textproto.NewConn(raw), logger: logger}
	cmd := "AUTHENTICATE"
	if cfg.Password != "" {
		cmd += " " + quote(cfg.Password)
	}
	if _, err := c.command(cmd); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("tor: authenticate: %w", err)
	}
	return c, nil
}

// NewIdentity sends SIGNAL NEWNYM.
func (c *Controller) NewIdentity() error {
	if _, err := c.command("SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("tor: signal newnym: %w", err)
	}
	c.logger.Info("tor identity rotated")
	return nil
}

// Close sends QUIT and closes the connection.
func (c *Controller) Close() error {
	_, _ = c.command("QUIT")
	return c.conn.Close()
}

func (c *Controller) command(cmd string) (string, error) {
	id, err := c.conn.Cmd("%s", cmd)
	if err != nil {
		return "", err
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)
	_, msg, err := c.conn.ReadResponse(replyOK)
	return msg, err
}

// Rotate connects, authenticates and requests a new circuit.
func Rotate(ctx context.Context, cfg Config, logger crawlerkit.Logger) error {
	c, err := Dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.NewIdentity()
}

// quote renders a control-protocol quoted string.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
