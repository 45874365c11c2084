// Package daemon tells the running VPN daemon about CRL changes
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/3scale/ovpn-pki-manager/pkg/authority"
	"github.com/3scale/ovpn-pki-manager/pkg/config"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// ErrNotRunning is returned by Reload when no daemon process can be found
var ErrNotRunning = errors.New("daemon is not running")

// Controller reloads or restarts the VPN daemon. OpenVPN rereads its
// crl-verify file on every new connection, but a reload drops the sessions
// of already connected clients whose certificate was revoked.
type Controller struct {
	// PIDFile is the file where the daemon writes its pid
	PIDFile string
	// Unit is the systemd unit restarted when the reload fails
	Unit string
	// CRLPath is where the daemon reads the CRL from, usually inside its chroot
	CRLPath string
	// Systemctl defaults to "systemctl"
	Systemctl string
	Logger    logr.Logger
}

// InstallCRL copies the CRL at src to the daemon's CRL path. The daemon drops
// privileges before reading it, so it is written world readable.
func (c *Controller) InstallCRL(src string) error {
	if c.CRLPath == "" {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		c.Logger.Error(err, "unable to read CRL", "path", src)
		return err
	}
	if err := authority.WriteFileAtomic(c.CRLPath, data, 0644); err != nil {
		c.Logger.Error(err, "unable to install CRL", "path", c.CRLPath)
		return err
	}
	c.Logger.V(1).Info("installed CRL", "path", c.CRLPath)
	return nil
}

// Reload sends SIGHUP to the daemon
func (c *Controller) Reload(ctx context.Context) error {
	pid, err := c.pid()
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, unix.SIGHUP); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: stale pid %d in %s", ErrNotRunning, pid, c.PIDFile)
		}
		return fmt.Errorf("unable to signal pid %d: %w", pid, err)
	}
	c.Logger.Info("sent SIGHUP to VPN daemon", "pid", pid)
	return nil
}

// Restart restarts the daemon's service unit
func (c *Controller) Restart(ctx context.Context) error {
	if c.Unit == "" {
		return fmt.Errorf("no service unit configured")
	}
	ctx, cancel := context.WithTimeout(ctx, config.DaemonTimeout)
	defer cancel()

	bin := c.Systemctl
	if bin == "" {
		bin = "systemctl"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "restart", c.Unit)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s restart %s: %w: %s", bin, c.Unit, err, strings.TrimSpace(stderr.String()))
	}
	c.Logger.Info("restarted VPN daemon", "unit", c.Unit)
	return nil
}

// Notify reloads the daemon, falling back to a restart. The returned error
// is only informative: the CRL is already in place when Notify is called.
func (c *Controller) Notify(ctx context.Context) error {
	rerr := c.Reload(ctx)
	if rerr == nil {
		return nil
	}
	c.Logger.V(1).Info("reload failed, restarting", "reason", rerr.Error())
	if err := c.Restart(ctx); err != nil {
		return fmt.Errorf("unable to reload (%v) or restart (%v) the VPN daemon", rerr, err)
	}
	return nil
}

func (c *Controller) pid() (int, error) {
	if c.PIDFile == "" {
		return 0, fmt.Errorf("%w: no pid file configured", ErrNotRunning)
	}
	data, err := os.ReadFile(c.PIDFile)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", c.PIDFile, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
