package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// An empty configPath yields the compiled-in defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := applyConfigDefaults(&Config{})
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	resolveRelativePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file by checking standard locations.
// Priority order: $SIDECAR_CONFIG, <UserConfigDir>/sidecar/config.yaml, ./sidecar.yaml.
// An empty result with nil error means "no file, use defaults".
func Discover() (string, error) {
	if path := os.Getenv("SIDECAR_CONFIG"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("SIDECAR_CONFIG points to a missing file: %s", path)
		}
		return path, nil
	}

	if dir, err := os.UserConfigDir(); err == nil {
		userConfig := filepath.Join(dir, "sidecar", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./sidecar.yaml"); err == nil {
		return "./sidecar.yaml", nil
	}

	return "", nil
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.App.Name == "" {
		cfg.App.Name = defaults.App.Name
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = defaults.App.LogFormat
	}

	if cfg.Paths.ResourceRoot == "" {
		cfg.Paths.ResourceRoot = defaults.Paths.ResourceRoot
	}
	if cfg.Paths.DataRoot == "" {
		cfg.Paths.DataRoot = defaultDataRoot(cfg.App.Name)
	}

	env := &cfg.Environment
	if env.Dir == "" {
		env.Dir = defaults.Environment.Dir
	}
	if env.Marker == "" {
		env.Marker = defaults.Environment.Marker
	}
	if env.Tool == "" {
		env.Tool = defaults.Environment.Tool
	}
	if env.SmokeImport == "" {
		env.SmokeImport = defaults.Environment.SmokeImport
	}
	if env.ArtifactExt == "" {
		env.ArtifactExt = defaults.Environment.ArtifactExt
	}
	if env.OptionalComponent == nil {
		env.OptionalComponent = defaults.Environment.OptionalComponent
	}
	if env.LockFile == "" {
		env.LockFile = defaults.Environment.LockFile
	}
	if env.CommandTimeout == 0 {
		env.CommandTimeout = defaults.Environment.CommandTimeout
	}

	if cfg.Assets.Dirs == nil {
		cfg.Assets.Dirs = defaults.Assets.Dirs
	}
	if cfg.Assets.ExampleInfix == "" {
		cfg.Assets.ExampleInfix = defaults.Assets.ExampleInfix
	}

	be := &cfg.Backend
	if be.Module == "" {
		be.Module = defaults.Backend.Module
	}
	if be.CLIModule == "" {
		be.CLIModule = defaults.Backend.CLIModule
	}
	if be.Host == "" {
		be.Host = defaults.Backend.Host
	}
	if be.EnvPrefix == "" {
		be.EnvPrefix = defaults.Backend.EnvPrefix
	}
	if be.Marker == "" {
		be.Marker = defaults.Backend.Marker
	}

	st := &cfg.Storage
	if st.ChatsDB == "" {
		st.ChatsDB = defaults.Storage.ChatsDB
	}
	if st.VectorDir == "" {
		st.VectorDir = defaults.Storage.VectorDir
	}
	if st.SandboxDir == "" {
		st.SandboxDir = defaults.Storage.SandboxDir
	}
	if st.ExtensionsDir == "" {
		st.ExtensionsDir = defaults.Storage.ExtensionsDir
	}
	if st.JournalDB == "" {
		st.JournalDB = defaults.Storage.JournalDB
	}

	to := &cfg.Timeouts
	if to.PortWait == 0 {
		to.PortWait = defaults.Timeouts.PortWait
	}
	if to.HealthInterval == 0 {
		to.HealthInterval = defaults.Timeouts.HealthInterval
	}
	if to.HealthAttempts == 0 {
		to.HealthAttempts = defaults.Timeouts.HealthAttempts
	}
	if to.HealthRequest == 0 {
		to.HealthRequest = defaults.Timeouts.HealthRequest
	}
	if to.HealthPath == "" {
		to.HealthPath = defaults.Timeouts.HealthPath
	}

	if cfg.Shim.Dir == "" {
		cfg.Shim.Dir = defaults.Shim.Dir
	}
	if cfg.Shim.Name == "" {
		cfg.Shim.Name = defaults.Shim.Name
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// resolveRelativePaths anchors relative root paths at the config file's directory.
func resolveRelativePaths(cfg *Config, baseDir string) {
	if cfg.Paths.ResourceRoot != "" && !filepath.IsAbs(cfg.Paths.ResourceRoot) {
		cfg.Paths.ResourceRoot = filepath.Join(baseDir, cfg.Paths.ResourceRoot)
	}
	if cfg.Paths.DataRoot != "" && !filepath.IsAbs(cfg.Paths.DataRoot) {
		cfg.Paths.DataRoot = filepath.Join(baseDir, cfg.Paths.DataRoot)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.App.LogLevel)] {
		return fmt.Errorf("app.log_level must be one of: debug, info, warn, error (got %q)", cfg.App.LogLevel)
	}
	if f := strings.ToLower(cfg.App.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("app.log_format must be json or text (got %q)", cfg.App.LogFormat)
	}

	for field, value := range map[string]string{
		"paths.resource_root": cfg.Paths.ResourceRoot,
		"paths.data_root":     cfg.Paths.DataRoot,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", field)
		}
		if envVarPattern.MatchString(value) {
			matches := envVarPattern.FindStringSubmatch(value)
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
		}
	}

	for field, value := range map[string]string{
		"environment.dir":        cfg.Environment.Dir,
		"environment.marker":     cfg.Environment.Marker,
		"shim.dir":               cfg.Shim.Dir,
		"shim.name":              cfg.Shim.Name,
		"storage.journal_db":     cfg.Storage.JournalDB,
		"storage.chats_db":       cfg.Storage.ChatsDB,
		"storage.vector_dir":     cfg.Storage.VectorDir,
		"storage.sandbox_dir":    cfg.Storage.SandboxDir,
		"storage.extensions_dir": cfg.Storage.ExtensionsDir,
	} {
		if filepath.IsAbs(value) || strings.Contains(value, "..") {
			return fmt.Errorf("%s must be a relative name under the data root (got %q)", field, value)
		}
	}

	for i, dir := range cfg.Assets.Dirs {
		if dir == "" || filepath.IsAbs(dir) || strings.ContainsAny(dir, `/\`) || dir == "." || dir == ".." {
			return fmt.Errorf("assets.dirs[%d] must be a plain directory name (got %q)", i, dir)
		}
	}
	if !strings.HasPrefix(cfg.Assets.ExampleInfix, ".") || !strings.HasSuffix(cfg.Assets.ExampleInfix, ".") || len(cfg.Assets.ExampleInfix) < 3 {
		return fmt.Errorf("assets.example_infix must look like .name. (got %q)", cfg.Assets.ExampleInfix)
	}

	if strings.TrimSpace(cfg.Backend.Marker) == "" {
		return fmt.Errorf("backend.marker is required")
	}
	if cfg.Backend.AttachPort < 0 || cfg.Backend.AttachPort > 65535 {
		return fmt.Errorf("backend.attach_port must be within 0-65535 (got %d)", cfg.Backend.AttachPort)
	}

	if cfg.Timeouts.PortWait <= 0 {
		return fmt.Errorf("timeouts.port_wait must be positive")
	}
	if cfg.Timeouts.HealthInterval <= 0 {
		return fmt.Errorf("timeouts.health_interval must be positive")
	}
	if cfg.Timeouts.HealthAttempts <= 0 {
		return fmt.Errorf("timeouts.health_attempts must be positive")
	}
	if cfg.Timeouts.HealthRequest <= 0 {
		return fmt.Errorf("timeouts.health_request must be positive")
	}
	if !strings.HasPrefix(cfg.Timeouts.HealthPath, "/") {
		return fmt.Errorf("timeouts.health_path must start with / (got %q)", cfg.Timeouts.HealthPath)
	}
	if cfg.Timeouts.StopGrace < 0 {
		return fmt.Errorf("timeouts.stop_grace must not be negative")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}

	return nil
}
