package trust

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
)

// Network types reported by HostSource.
const (
	NetworkNone     = "none"
	NetworkEthernet = "ethernet"
	NetworkWiFi     = "wifi"
	NetworkCellular = "cellular"
	NetworkVPN      = "vpn"
	NetworkOther    = "other"
)

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// HostSource derives signals from the local machine: its machine id, a
// hash of stable host attributes, and the class of the primary network
// interface.
type HostSource struct {
	// Interfaces lists network interfaces; nil uses net.Interfaces.
	Interfaces func() ([]Interface, error)
	// Hostname defaults to os.Hostname.
	Hostname func() (string, error)
	// MachineID defaults to reading the systemd machine id.
	MachineID func() (string, error)
}

// Interface is the part of a network interface HostSource looks at.
type Interface struct {
	Name     string
	MAC      string
	Up       bool
	Loopback bool
	Routable bool
}

// Signals implements SignalSource.
func (h HostSource) Signals(_ context.Context) (Signals, error) {
	hostname, err := h.hostname()
	if err != nil {
		return Signals{}, err
	}
	ifaces, err := h.interfaces()
	if err != nil {
		return Signals{}, err
	}

	id, err := h.machineID()
	if err != nil || id == "" {
		id = "host:" + hostname
	}

	netType, connected := classify(ifaces)
	return Signals{
		DeviceID:    id,
		Fingerprint: fingerprint(hostname, ifaces),
		NetworkType: netType,
		Connected:   connected,
	}, nil
}

func (h HostSource) hostname() (string, error) {
	if h.Hostname != nil {
		return h.Hostname()
	}
	return os.Hostname()
}

func (h HostSource) machineID() (string, error) {
	if h.MachineID != nil {
		return h.MachineID()
	}
	var lastErr error
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	return "", lastErr
}

func (h HostSource) interfaces() ([]Interface, error) {
	if h.Interfaces != nil {
		return h.Interfaces()
	}
	raw, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(raw))
	for _, ni := range raw {
		iface := Interface{
			Name:     ni.Name,
			MAC:      ni.HardwareAddr.String(),
			Up:       ni.Flags&net.FlagUp != 0,
			Loopback: ni.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := ni.Addrs(); err == nil {
			for _, a := range addrs {
				ipn, ok := a.(*net.IPNet)
				if ok && ipn.IP.IsGlobalUnicast() {
					iface.Routable = true
					break
				}
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// fingerprint hashes attributes that survive reboots and network changes.
func fingerprint(hostname string, ifaces []Interface) string {
	var macs []string
	for _, i := range ifaces {
		if !i.Loopback && i.MAC != "" {
			macs = append(macs, i.MAC)
		}
	}
	slices.Sort(macs)

	h := sha256.New()
	for _, part := range []string{runtime.GOOS, runtime.GOARCH, hostname, strconv.Itoa(runtime.NumCPU()), strings.Join(macs, ",")} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// classify picks the first routable interface in name order and reports
// its class.
func classify(ifaces []Interface) (string, bool) {
	sorted := slices.Clone(ifaces)
	slices.SortFunc(sorted, func(a, b Interface) int { return strings.Compare(a.Name, b.Name) })
	for _, i := range sorted {
		if i.Up && !i.Loopback && i.Routable {
			return interfaceClass(i.Name), true
		}
	}
	return NetworkNone, false
}

func interfaceClass(name string) string {
	switch {
	case hasAnyPrefix(name, "wl", "wlan", "wifi"):
		return NetworkWiFi
	case hasAnyPrefix(name, "en", "eth", "em"):
		return NetworkEthernet
	case hasAnyPrefix(name, "ww", "rmnet", "pdp_ip", "ccmni"):
		return NetworkCellular
	case hasAnyPrefix(name, "tun", "tap", "wg", "utun", "ppp", "ipsec"):
		return NetworkVPN
	default:
		return NetworkOther
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
