//go:build linux

package guest

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/luxapientia/alphacore/pkg/execx"
)

const nic = "eth0"

// setupNetwork brings up loopback and the single NIC, acquires an address,
// disables IPv6 and pins DNS to the bridge gateway.
func (r *Runner) setupNetwork() error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := execx.RunAll(ctx,
		execx.Command{Stage: "link-lo", Argv: []string{"ip", "link", "set", "lo", "up"}},
		execx.Command{Stage: "link-nic", Argv: []string{"ip", "link", "set", nic, "up"}},
	); err != nil {
		return err
	}

	// The egress policy is IPv4-only; leaving IPv6 up would open an
	// unfiltered path
	if err := os.WriteFile("/proc/sys/net/ipv6/conf/"+nic+"/disable_ipv6", []byte("1"), 0o644); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to disable IPv6")
	}

	if cidr := r.cmdline["acore_static_ip"]; cidr != "" {
		if err := r.configureStatic(ctx, cidr); err != nil {
			return err
		}
	} else {
		if err := r.configureDHCP(ctx); err != nil {
			return err
		}
	}

	gw, err := r.gatewayIP()
	if err != nil {
		return err
	}

	// rootfs is read-only: resolv.conf lives on tmpfs and is bind-mounted
	// over /etc/resolv.conf
	resolv := fmt.Sprintf("nameserver %s\noptions timeout:2 attempts:2\n", gw)
	if err := os.WriteFile("/run/resolv.conf", []byte(resolv), 0o644); err != nil {
		return fmt.Errorf("failed to write resolv.conf: %w", err)
	}
	if err := syscall.Mount("/run/resolv.conf", "/etc/resolv.conf", "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("failed to bind resolv.conf: %w", err)
	}
	return nil
}

func (r *Runner) configureStatic(ctx context.Context, cidr string) error {
	gw := r.cmdline["acore_static_gw"]
	if gw == "" {
		return fmt.Errorf("acore_static_ip set without acore_static_gw")
	}
	return execx.RunAll(ctx,
		execx.Command{Stage: "static-addr", Argv: []string{"ip", "addr", "add", cidr, "dev", nic}},
		execx.Command{Stage: "static-route", Argv: []string{"ip", "route", "add", "default", "via", gw, "dev", nic}},
	)
}

// configureDHCP leases an address from the bridge gateway with bounded
// retries
func (r *Runner) configureDHCP(ctx context.Context) error {
	_, err := execx.Run(ctx, execx.Command{
		Stage:   "dhcp",
		Argv:    []string{"udhcpc", "-i", nic, "-n", "-q", "-t", "6", "-T", "3"},
		Timeout: 45 * time.Second,
	})
	return err
}

// gatewayIP resolves the bridge gateway: static cmdline wins, otherwise the
// default route from /proc/net/route.
func (r *Runner) gatewayIP() (string, error) {
	if gw := r.cmdline["acore_static_gw"]; gw != "" {
		return gw, nil
	}
	if dns := r.cmdline["acore_static_dns"]; dns != "" {
		return dns, nil
	}
	return defaultGateway("/proc/net/route")
}

// defaultGateway parses the kernel routing table for the default route
func defaultGateway(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read routing table: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
		return ip.String(), nil
	}
	return "", fmt.Errorf("no default route present")
}
