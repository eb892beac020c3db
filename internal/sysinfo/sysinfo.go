// Package sysinfo collects host information for the default display name and
// the info command.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	// Version is the agent version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/pfd-agent/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the agent started.
	startTime     time.Time
	startTimeOnce sync.Once
)

// maxIPs caps the addresses reported by Collect.
const maxIPs = 10

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info describes the local host.
type Info struct {
	Hostname    string   `json:"hostname"`
	OS          string   `json:"os"`
	Arch        string   `json:"arch"`
	Version     string   `json:"version"`
	StartTime   int64    `json:"start_time"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		Version:     Version,
		StartTime:   startTime.Unix(),
		IPAddresses: GetLocalIPs(),
	}
}

// DefaultName returns the display name used when none is configured: the
// short host name, or "pfd-agent" when the host name is unknown.
func DefaultName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "pfd-agent"
	}
	return shortHost(hostname)
}

func shortHost(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	if hostname == "" {
		return "pfd-agent"
	}
	return hostname
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > maxIPs {
		ips = ips[:maxIPs]
	}

	return ips
}

// StartTime returns the agent start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the agent uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}
