package rm_arm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"rm_arm/robot"
)

var DiscoveryModel = resource.NewModel("devrel", "rm_arm", "discovery")

// DefaultControllerAddress is where controllers listen out of the box.
const DefaultControllerAddress = "192.168.1.18:8080"

const defaultProbeTimeout = time.Second

func init() {
	resource.RegisterService(
		discovery.API,
		DiscoveryModel,
		resource.Registration[discovery.Service, *DiscoveryConfig]{
			Constructor: newDiscovery,
		})
}

// DiscoveryConfig lists where to look for controllers.
type DiscoveryConfig struct {
	// Hosts are "host" or "host:port"; empty means the factory default.
	Hosts           []string `json:"hosts,omitempty"`
	ProbeTimeoutSec float64  `json:"probe_timeout_sec,omitempty"`
}

func (cfg *DiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.ProbeTimeoutSec < 0 {
		return nil, nil, errors.Errorf("%s: probe_timeout_sec must not be negative", path)
	}
	for _, h := range cfg.Hosts {
		if _, _, err := splitAddress(h); err != nil {
			return nil, nil, errors.Wrap(err, path)
		}
	}
	return nil, nil, nil
}

type rmDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger  logging.Logger
	hosts   []string
	timeout time.Duration
}

func newDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*DiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	return NewDiscovery(conf.ResourceName(), cfg, logger), nil
}

func NewDiscovery(name resource.Name, cfg *DiscoveryConfig, logger logging.Logger) discovery.Service {
	timeout := seconds(cfg.ProbeTimeoutSec)
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &rmDiscovery{
		Named:   name.AsNamed(),
		logger:  logger,
		hosts:   cfg.Hosts,
		timeout: timeout,
	}
}

// DiscoverResources probes each candidate controller and proposes an arm,
// gripper and telemetry sensor for every one that answers. extra["hosts"]
// adds candidates for this call.
func (dis *rmDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	raw := append([]string{}, dis.hosts...)
	if more, ok := extra["hosts"].([]interface{}); ok {
		for _, h := range more {
			if s, ok := h.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	if len(raw) == 0 {
		raw = []string{DefaultControllerAddress}
	}
	candidates := filterCandidateAddresses(raw)
	dis.logger.Debugf("probing %d candidate controllers", len(candidates))

	var allConfigs []resource.Config
	for _, addr := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}
		allConfigs = append(allConfigs, dis.discoverAddress(ctx, addr)...)
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("no controllers discovered")
	} else {
		dis.logger.Infof("discovered %d component configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *rmDiscovery) discoverAddress(ctx context.Context, addr string) []resource.Config {
	info, err := robot.Probe(ctx, addr, dis.timeout)
	if err != nil {
		dis.logger.Debugf("no controller at %s: %v", addr, err)
		return nil
	}
	dis.logger.Infof("discovered %s (%d dof, api %s) at %s", info.Model, info.DOF, info.APIVersion, addr)

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	suffix := addressSuffix(addr)
	return generateConfigs(addr, suffix, findConfigFile(moduleDataDir, suffix))
}

func generateConfigs(addr, suffix, configFile string) []resource.Config {
	host, port, _ := splitAddress(addr)
	attrs := func() map[string]interface{} {
		a := map[string]interface{}{"host": host, "port": port}
		if configFile != "" {
			a["config_file"] = configFile
		}
		return a
	}
	return []resource.Config{
		{Name: "rm-arm-" + suffix, API: arm.API, Model: ArmModel, Attributes: attrs()},
		{Name: "rm-gripper-" + suffix, API: gripper.API, Model: GripperModel, Attributes: attrs()},
		{Name: "rm-telemetry-" + suffix, API: sensor.API, Model: TelemetrySensorModel, Attributes: attrs()},
	}
}

// findConfigFile looks for rm_arm_<suffix>.{yaml,yml,json} in dir.
func findConfigFile(dir, suffix string) string {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		p := filepath.Join(dir, "rm_arm_"+suffix+ext)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// filterCandidateAddresses normalizes to host:port, drops unparseable
// entries and duplicates, and keeps the input order.
func filterCandidateAddresses(raw []string) []string {
	candidates := []string{}
	seen := map[string]bool{}
	for _, r := range raw {
		host, port, err := splitAddress(r)
		if err != nil {
			continue
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		if seen[addr] {
			continue
		}
		seen[addr] = true
		candidates = append(candidates, addr)
	}
	return candidates
}

func splitAddress(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, errors.New("empty controller address")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port given
		return s, robot.DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, errors.Errorf("invalid port in %q", s)
	}
	if host == "" {
		return "", 0, errors.Errorf("missing host in %q", s)
	}
	return host, port, nil
}

// addressSuffix turns host:port into a resource-name-safe suffix. The port is
// left off when it is the default.
func addressSuffix(addr string) string {
	host, port, err := splitAddress(addr)
	if err != nil {
		return "unknown"
	}
	suffix := strings.NewReplacer(".", "-", ":", "-").Replace(host)
	if port != robot.DefaultPort {
		suffix += "-" + strconv.Itoa(port)
	}
	return suffix
}
