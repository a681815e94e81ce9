package config

import (
	"fmt"
	"time"
)

// DNSType defines the type of DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  `json:"address" hcl:"address"`                 // DNS server address (host:port or [IPv6]:port)
	Type           DNSType `json:"type" hcl:"type"`                       // DNS server type (udp, tcp, dot)
	TimeoutSeconds int     `json:"timeout-seconds" hcl:"timeout-seconds"` // Query timeout in seconds
	TLSHost        string  `json:"tls-host" hcl:"tls-host,optional"`      // TLS hostname for SNI (only used for DoT)
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for DNS resolver
type DNSConfig struct {
	Enabled bool              `json:"enabled" hcl:"enabled"` // Enable custom DNS resolver
	Servers []DNSServerConfig `json:"servers" hcl:"servers"` // List of DNS servers to use
}

// applyDNSConfig fills cfg.DNS from a parsed "dns" map, using the same
// hyphenated-key/map-walking idiom as applyConfigData.
func applyDNSConfig(dnsMap map[string]any, cfg *Config) error {
	if val, exists := dnsMap["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("dns.enabled must be a boolean: %w", err)
		}
		cfg.DNS.Enabled = *ptr
	}

	if val, exists := dnsMap["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("dns.servers must be an array")
		}

		servers := make([]DNSServerConfig, 0, len(serverList))
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("dns.servers[%d] must be an object", i)
			}

			server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 5}

			if addrVal, exists := serverMap["address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("dns.servers[%d].address must be a string: %w", i, err)
				}
				server.Address = *ptr
			}
			if typeVal, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](typeVal)
				if err != nil {
					return fmt.Errorf("dns.servers[%d].type must be a string: %w", i, err)
				}
				server.Type = DNSType(*ptr)
			}
			if timeoutVal, exists := serverMap["timeout-seconds"]; exists {
				ptr, err := parseValue[int](timeoutVal)
				if err != nil {
					return fmt.Errorf("dns.servers[%d].timeout-seconds must be an integer: %w", i, err)
				}
				server.TimeoutSeconds = *ptr
			}
			if tlsHostVal, exists := serverMap["tls-host"]; exists {
				ptr, err := parseValue[string](tlsHostVal)
				if err != nil {
					return fmt.Errorf("dns.servers[%d].tls-host must be a string: %w", i, err)
				}
				server.TLSHost = *ptr
			}

			servers = append(servers, server)
		}
		cfg.DNS.Servers = servers
	}

	return nil
}

// DefaultDNSConfig returns default DNS configuration.
// Address format: host:port for IPv4/hostnames, [IPv6]:port for IPv6 addresses.
// Examples: "8.8.8.8:53", "[2001:4860:4860::8888]:53"
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false, // Disabled by default - uses system DNS
		Servers: []DNSServerConfig{
			{
				Address:        "8.8.8.8:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
			{
				Address:        "1.1.1.1:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
		},
	}
}
