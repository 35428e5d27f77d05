package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/tap"
)

// namedCheck pairs a checker with the precondition it verifies
type namedCheck struct {
	name    string
	checker Checker
}

// Preconditions verifies the host collaborators the engine assumes: the
// sandbox bridge, the TAP pool, the gateway resolver and proxy, /dev/kvm and
// the pinned boot artifacts. The engine only verifies these; the network
// provisioner creates them.
type Preconditions struct {
	checks []namedCheck
	bridge string
}

// NewPreconditions builds the startup check set from configuration
func NewPreconditions(cfg *config.Config) *Preconditions {
	gw := cfg.Network.GatewayIP
	return &Preconditions{
		bridge: cfg.Network.Bridge,
		checks: []namedCheck{
			{"kvm", NewFileChecker("/dev/kvm")},
			{"kernel-image", NewFileChecker(cfg.Sandbox.KernelImage)},
			{"rootfs-image", NewFileChecker(cfg.Sandbox.RootfsImage)},
			{"jailer", NewFileChecker(cfg.Sandbox.JailerBin)},
			{"firecracker", NewFileChecker(cfg.Sandbox.FirecrackerBin)},
			{"validator-bundle", NewFileChecker(cfg.Sandbox.ValidatorDir)},
			{"gateway-dns", NewTCPChecker(fmt.Sprintf("%s:%d", gw, cfg.Network.DNSPort))},
			{"gateway-proxy", NewTCPChecker(fmt.Sprintf("%s:%d", gw, cfg.Network.ProxyPort))},
		},
	}
}

// Verify runs every check and returns an error naming all failed
// preconditions
func (p *Preconditions) Verify(ctx context.Context) error {
	var failed []string

	if !tap.InterfaceExists(p.bridge) {
		failed = append(failed, fmt.Sprintf("bridge: interface %s not present", p.bridge))
	}

	for _, c := range p.checks {
		if res := c.checker.Check(ctx); !res.Healthy {
			failed = append(failed, fmt.Sprintf("%s: %s", c.name, res.Message))
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("host preconditions unmet:\n  %s", strings.Join(failed, "\n  "))
	}
	return nil
}
