package agent

import (
	"net"
	"os"
	"path/filepath"
)

// ServiceInfoProvider lets a host application supply identity fields the
// Agent cannot discover on its own, taking precedence over platform
// introspection but yielding to explicit configuration.
type ServiceInfoProvider interface {
	ServiceName() string
	Host() string
	Port() int
}

// resolveIdentity applies the precedence order explicit config > provider >
// platform introspection, then substitutes a wildcard host for the first
// non-loopback IPv4 address.
func resolveIdentity(cfg Config, provider ServiceInfoProvider) (serviceName, host string, port int) {
	serviceName, host, port = cfg.ServiceName, cfg.Host, cfg.Port

	if provider != nil {
		if serviceName == "" {
			serviceName = provider.ServiceName()
		}
		if host == "" {
			host = provider.Host()
		}
		if port == 0 {
			port = provider.Port()
		}
	}

	if serviceName == "" {
		serviceName = entryProgramName()
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if isWildcardHost(host) {
		if resolved := firstNonLoopbackIPv4(); resolved != "" {
			host = resolved
		}
	}

	return serviceName, host, port
}

func entryProgramName() string {
	exe, err := os.Executable()
	if err != nil {
		return "unknown-service"
	}
	name := filepath.Base(exe)
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}

func isWildcardHost(host string) bool {
	switch host {
	case "0.0.0.0", "::", "*", "+":
		return true
	default:
		return false
	}
}

func firstNonLoopbackIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
