// Package config loads the proxy's JSON or HCL configuration file into a
// Config value, applying defaults and environment variable overrides the
// way the rest of this repo's ambient stack does (flat env vars, hyphenated
// file keys).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/mstausch/openrelay/internal/logger"
)

// ServerConfig defines configuration for a single proxy listener.
type ServerConfig struct {
	ListenAddress        string // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled              bool   // Whether this listener is enabled
	MaxConnections       int    // Maximum concurrent connections for this listener
	ConnectionsPerClient int    // Per-client-IP connection limit; loaded and compared on reload, not enforced
}

// StatsDriver selects the storage backend for connection statistics.
type StatsDriver string

// Available stats drivers.
const (
	StatsDriverNone     StatsDriver = "none"
	StatsDriverSQLite   StatsDriver = "sqlite"
	StatsDriverPostgres StatsDriver = "postgres"
)

// StatsConfig configures the connection/pool statistics collector.
type StatsConfig struct {
	Driver StatsDriver // none, sqlite, postgres
	DSN    string      // sqlite file path or postgres connection string
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of listener configurations
	TimeoutSeconds           int            // Idle timeout setting; loaded and compared on reload, not read by the pool or the tunnel (whose idle timeout is a fixed 30s)
	DialTimeoutSeconds       int            // Upstream connect timeout
	MaxConcurrentConnections int            // Global connection limit setting; loaded and logged, not enforced
	LogLevel                 string         // trace, debug, info, warn, error, fatal
	Classifiers              map[string]Classifier
	Forwards                 []Forward
	Allowlist                Classifier // Optional host allowlist classifier; parsed and compared on reload, not evaluated by the engine or dialer
	Blocklist                Classifier // Optional host blocklist classifier; parsed and compared on reload, not evaluated by the engine or dialer
	DNS                      DNSConfig
	Stats                    StatsConfig
}

// ForwardType defines the type of forwarding rule.
type ForwardType int

const (
	// ForwardTypeDefaultNetwork represents the default network forwarding type.
	ForwardTypeDefaultNetwork ForwardType = iota
	// ForwardTypeSocks5 represents SOCKS5 proxy forwarding.
	ForwardTypeSocks5
	// ForwardTypeProxy represents HTTP proxy forwarding.
	ForwardTypeProxy
)

// Forward defines the interface for forwarding configurations.
type Forward interface {
	Type() ForwardType
	Classifier() Classifier
}

// ForwardDefaultNetwork represents default network (direct dial) forwarding.
type ForwardDefaultNetwork struct {
	ClassifierData Classifier
}

// Type returns the forwarding type for this configuration.
func (c *ForwardDefaultNetwork) Type() ForwardType { return ForwardTypeDefaultNetwork }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardDefaultNetwork) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardSocks5 represents SOCKS5 proxy forwarding configuration.
type ForwardSocks5 struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardSocks5) Type() ForwardType { return ForwardTypeSocks5 }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardSocks5) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// ForwardProxy represents HTTP CONNECT proxy-chaining configuration.
type ForwardProxy struct {
	ClassifierData Classifier
	Address        string
	Username       *string
	Password       *string
}

// Type returns the forwarding type for this configuration.
func (c *ForwardProxy) Type() ForwardType { return ForwardTypeProxy }

// Classifier returns the classifier for this forwarding rule.
func (c *ForwardProxy) Classifier() Classifier {
	if c.ClassifierData == nil {
		return &ClassifierTrue{}
	}
	return c.ClassifierData
}

// LoadConfig loads configuration from the specified file path. An empty path
// returns the default configuration (env overrides still apply).
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		Servers: []ServerConfig{
			{
				ListenAddress:        "127.0.0.1:8080",
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		},
		TimeoutSeconds:           30,
		DialTimeoutSeconds:       5,
		MaxConcurrentConnections: 100,
		LogLevel:                 "info",
		DNS:                      DefaultDNSConfig(),
		Stats:                    StatsConfig{Driver: StatsDriverNone},
	}

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigData(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	cleanPath := cleanConfigPath(configPath)
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("error closing config file: %v", closeErr)
		}
	}()

	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// readHCLConfig parses an HCL config file's top-level attributes (which may
// be list/object literals, since this config has no nested blocks) into the
// same map[string]any shape the JSON loader produces, so both formats share
// one field-mapping implementation below.
func readHCLConfig(configPath string) (map[string]any, error) {
	cleanPath := cleanConfigPath(configPath)
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := f.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		jsonBytes, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s to JSON: %w", name, err)
		}
		var decoded any
		if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		data[name] = decoded
	}
	return data, nil
}

func cleanConfigPath(configPath string) string {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		if absPath, err := filepath.Abs(cleanPath); err == nil {
			cleanPath = absPath
		}
	}
	return cleanPath
}

// applyConfigData walks a generic JSON/HCL-derived map and fills in cfg,
// handling the hyphenated keys and discriminated-union classifier/forward
// shapes that don't map onto struct tags cleanly.
func applyConfigData(data map[string]any, cfg *Config) error {
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		cfg.Servers = []ServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{Enabled: true, MaxConnections: 100, ConnectionsPerClient: 10}

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}
			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}
			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}
			if clientConnsVal, exists := serverMap["connections-per-client"]; exists {
				ptr, err := parseValue[int](clientConnsVal)
				if err != nil {
					return fmt.Errorf("connections-per-client at index %d must be an integer: %w", i, err)
				}
				server.ConnectionsPerClient = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Backward compatibility: listen-address without a servers list creates
	// a single listener with that address.
	if val, exists := data["listen-address"]; exists && len(cfg.Servers) == 0 {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string: %w", err)
		}
		cfg.Servers = []ServerConfig{{ListenAddress: *ptr, Enabled: true, MaxConnections: 100, ConnectionsPerClient: 10}}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number: %w", err)
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["dial-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("dial-timeout-seconds must be a number: %w", err)
		}
		cfg.DialTimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-concurrent-connections must be a number: %w", err)
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if val, exists := data["log-level"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("log-level must be a string: %w", err)
		}
		cfg.LogLevel = *ptr
	}

	if statsMap, ok := data["stats"].(map[string]any); ok {
		if driver, ok := statsMap["driver"].(string); ok {
			cfg.Stats.Driver = StatsDriver(driver)
		}
		if dsn, ok := statsMap["dsn"].(string); ok {
			cfg.Stats.DSN = dsn
		}
	}

	if dnsMap, ok := data["dns"].(map[string]any); ok {
		if err := applyDNSConfig(dnsMap, cfg); err != nil {
			return err
		}
	}

	cfg.Classifiers = make(map[string]Classifier)
	if classifiers, ok := data["classifiers"].(map[string]any); ok && classifiers != nil {
		for key, classifier := range classifiers {
			classifierMap, ok := classifier.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid classifier format for %q", key)
			}
			newClassifier, err := parseClassifier(classifierMap)
			if err != nil {
				return err
			}
			cfg.Classifiers[key] = newClassifier
		}
	}

	if val, ok := data["allowlist"].(map[string]any); ok {
		c, err := parseClassifier(val)
		if err != nil {
			return fmt.Errorf("invalid allowlist: %w", err)
		}
		cfg.Allowlist = c
	}
	if val, ok := data["blocklist"].(map[string]any); ok {
		c, err := parseClassifier(val)
		if err != nil {
			return fmt.Errorf("invalid blocklist: %w", err)
		}
		cfg.Blocklist = c
	}

	if forwards, ok := data["forwards"].([]any); ok && forwards != nil {
		cfg.Forwards = nil
		for _, forward := range forwards {
			forwardMap, ok := forward.(map[string]any)
			if !ok {
				return fmt.Errorf("invalid forward format")
			}

			forwardType, ok := forwardMap["type"].(string)
			if !ok {
				return fmt.Errorf("missing forward type")
			}

			var classifier Classifier
			if classifierData, ok := forwardMap["classifier"].(map[string]any); ok {
				var err error
				classifier, err = parseClassifier(classifierData)
				if err != nil {
					return fmt.Errorf("failed to parse classifier for %s forward: %w", forwardType, err)
				}
			}

			var newForward Forward
			switch forwardType {
			case "default-network":
				newForward = &ForwardDefaultNetwork{ClassifierData: classifier}
			case "socks5":
				f := &ForwardSocks5{ClassifierData: classifier}
				address, err := parseValue[string](forwardMap["address"])
				if err != nil {
					return fmt.Errorf("socks5 forward requires address field: %w", err)
				}
				f.Address = *address
				if username, err := parseValue[string](forwardMap["username"]); err == nil {
					f.Username = username
				}
				if password, err := parseValue[string](forwardMap["password"]); err == nil {
					f.Password = password
				}
				newForward = f
			case "proxy":
				f := &ForwardProxy{ClassifierData: classifier}
				address, err := parseValue[string](forwardMap["address"])
				if err != nil {
					return fmt.Errorf("proxy forward requires address field: %w", err)
				}
				f.Address = *address
				if username, err := parseValue[string](forwardMap["username"]); err == nil {
					f.Username = username
				}
				if password, err := parseValue[string](forwardMap["password"]); err == nil {
					f.Password = password
				}
				newForward = f
			default:
				return fmt.Errorf("unsupported forward type: %s", forwardType)
			}

			cfg.Forwards = append(cfg.Forwards, newForward)
		}
	}

	return nil
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var instead of a literal value.
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func parseClassifier(classifierMap map[string]any) (Classifier, error) {
	var newClassifier Classifier
	classifierType, ok := classifierMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing classifier type")
	}

	switch classifierType {
	case "and":
		and := &ClassifierAnd{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				and.Classifiers = append(and.Classifiers, class)
			}
		}
		newClassifier = and
	case "or":
		or := &ClassifierOr{}
		if classifiers, ok := classifierMap["classifiers"].([]any); ok {
			for _, classifier := range classifiers {
				class, err := parseClassifier(classifier.(map[string]any))
				if err != nil {
					return nil, err
				}
				or.Classifiers = append(or.Classifiers, class)
			}
		}
		newClassifier = or
	case "not":
		not := &ClassifierNot{}
		if classifier, ok := classifierMap["classifier"].(map[string]any); ok {
			class, err := parseClassifier(classifier)
			if err != nil {
				return nil, err
			}
			not.Classifier = class
		}
		newClassifier = not
	case "domain":
		domainClassifier := &ClassifierDomain{}
		if domain, ok := classifierMap["domain"].(string); ok {
			domainClassifier.Domain = domain
		}
		if op, ok := classifierMap["op"].(string); ok {
			domainClassifier.Op = parseClassifierOp(op)
		}
		newClassifier = domainClassifier
	case "ip":
		ipClassifier := &ClassifierIP{}
		if ip, ok := classifierMap["ip"].(string); ok {
			ipClassifier.IP = ip
		}
		newClassifier = ipClassifier
	case "network":
		networkClassifier := &ClassifierNetwork{}
		if cidr, ok := classifierMap["cidr"].(string); ok {
			networkClassifier.CIDR = cidr
		}
		newClassifier = networkClassifier
	case "port":
		portClassifier := &ClassifierPort{}
		if port, ok := classifierMap["port"].(float64); ok {
			portClassifier.Port = int(port)
		}
		newClassifier = portClassifier
	case "ref":
		refClassifier := &ClassifierRef{}
		if id, ok := classifierMap["id"].(string); ok {
			refClassifier.Id = id
		}
		newClassifier = refClassifier
	case "true":
		newClassifier = &ClassifierTrue{}
	case "false":
		newClassifier = &ClassifierFalse{}
	case "domains-file":
		filePath, ok := classifierMap["file"].(string)
		if !ok || filePath == "" {
			return nil, fmt.Errorf("domains-file classifier requires a 'file' field")
		}
		newClassifier = &ClassifierDomainsFile{FilePath: filePath}
	default:
		return nil, fmt.Errorf("unsupported classifier type: %s", classifierType)
	}

	return newClassifier, nil
}

func parseClassifierOp(op string) ClassifierOp {
	switch op {
	case "equal":
		return ClassifierOpEqual
	case "not-equal":
		return ClassifierOpNotEqual
	case "is":
		return ClassifierOpIs
	case "contains":
		return ClassifierOpContains
	case "not-contains":
		return ClassifierOpNotContains
	default:
		return ClassifierOpEqual
	}
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("OPENRELAY_TIMEOUT_SECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: invalid format for OPENRELAY_TIMEOUT_SECONDS: %s\n", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("OPENRELAY_MAX_CONCURRENT_CONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: invalid format for OPENRELAY_MAX_CONCURRENT_CONNECTIONS: %s\n", maxConnStr)
		}
	}

	if logLevel := os.Getenv("OPENRELAY_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if addr := os.Getenv("OPENRELAY_LISTEN_ADDRESS"); addr != "" {
		if len(cfg.Servers) == 0 {
			cfg.Servers = []ServerConfig{{ListenAddress: addr, Enabled: true, MaxConnections: 100, ConnectionsPerClient: 10}}
		} else {
			cfg.Servers[0].ListenAddress = addr
		}
	}

	if dsn := os.Getenv("OPENRELAY_STATS_DSN"); dsn != "" {
		cfg.Stats.DSN = dsn
	}
	if driver := os.Getenv("OPENRELAY_STATS_DRIVER"); driver != "" {
		cfg.Stats.Driver = StatsDriver(driver)
	}

	// Per-server env vars, e.g. OPENRELAY_SERVER_0_LISTENADDRESS=127.0.0.1:8080
	for i := 0; ; i++ {
		prefix := fmt.Sprintf("OPENRELAY_SERVER_%d_", i)
		addrVar := prefix + "LISTENADDRESS"

		addr := os.Getenv(addrVar)
		if addr == "" {
			break
		}

		var server ServerConfig
		if i < len(cfg.Servers) {
			server = cfg.Servers[i]
		} else {
			server = ServerConfig{Enabled: true, MaxConnections: 100, ConnectionsPerClient: 10}
		}
		server.ListenAddress = addr

		if enabledStr := os.Getenv(prefix + "ENABLED"); enabledStr != "" {
			if enabled, err := strconv.ParseBool(enabledStr); err == nil {
				server.Enabled = enabled
			}
		}
		if maxConnsStr := os.Getenv(prefix + "MAXCONNECTIONS"); maxConnsStr != "" {
			if maxConns, err := strconv.Atoi(maxConnsStr); err == nil {
				server.MaxConnections = maxConns
			}
		}
		if clientConnsStr := os.Getenv(prefix + "CONNECTIONSPERCLIENT"); clientConnsStr != "" {
			if clientConns, err := strconv.Atoi(clientConnsStr); err == nil {
				server.ConnectionsPerClient = clientConns
			}
		}

		if i < len(cfg.Servers) {
			cfg.Servers[i] = server
		} else {
			cfg.Servers = append(cfg.Servers, server)
		}
	}
}
