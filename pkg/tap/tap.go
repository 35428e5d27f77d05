package tap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/luxapientia/alphacore/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrExhausted is returned when no device is free
	ErrExhausted = errors.New("tap pool exhausted")

	// ErrUnknownDevice is returned when releasing a device the pool does not own
	ErrUnknownDevice = errors.New("device not owned by pool")
)

// sysClassNet is where host network interfaces are enumerated; overridable in
// tests.
var sysClassNet = "/sys/class/net"

// Pool hands out pre-created TAP devices with exclusive ownership. Devices
// are created by the host network provisioner; the pool only discovers and
// tracks them.
type Pool struct {
	mu     sync.Mutex
	free   []string
	inUse  map[string]string // device -> job id
	logger zerolog.Logger
}

// Discover scans the host for TAP devices with the given prefix and builds a
// pool. It fails when fewer than min devices exist; the worker pool refuses
// to start without a full complement.
func Discover(prefix string, min int) (*Pool, error) {
	entries, err := os.ReadDir(sysClassNet)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate network interfaces: %w", err)
	}

	var devices []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			devices = append(devices, e.Name())
		}
	}
	sort.Strings(devices)

	if len(devices) < min {
		return nil, fmt.Errorf("need %d tap devices with prefix %q, found %d (run the network provisioner first)",
			min, prefix, len(devices))
	}

	return &Pool{
		free:   devices,
		inUse:  make(map[string]string),
		logger: log.WithComponent("tap-pool"),
	}, nil
}

// NewStatic builds a pool over an explicit device list, used by tests and by
// setups where discovery is handled externally.
func NewStatic(devices []string) *Pool {
	free := append([]string(nil), devices...)
	return &Pool{
		free:   free,
		inUse:  make(map[string]string),
		logger: log.WithComponent("tap-pool"),
	}
}

// Acquire checks out a device for the given job
func (p *Pool) Acquire(jobID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return "", ErrExhausted
	}
	dev := p.free[0]
	p.free = p.free[1:]
	p.inUse[dev] = jobID

	p.logger.Debug().Str("device", dev).Str("job_id", jobID).Msg("TAP device acquired")
	return dev, nil
}

// Release returns a device to the pool. A device is returned at most once:
// teardown paths overlap on timeout and cancellation, and a second release
// reports ErrUnknownDevice instead of handing the device out twice.
func (p *Pool) Release(dev string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	jobID, held := p.inUse[dev]
	if !held {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	}
	delete(p.inUse, dev)
	p.free = append(p.free, dev)

	p.logger.Debug().Str("device", dev).Str("job_id", jobID).Msg("TAP device released")
	return nil
}

// Free returns the number of available devices
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the total device count
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.inUse)
}

// InterfaceExists reports whether a named host interface is present, used by
// the startup precondition checks.
func InterfaceExists(name string) bool {
	_, err := os.Stat(filepath.Join(sysClassNet, name))
	return err == nil
}
