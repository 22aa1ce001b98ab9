package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the complete sidecar configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Paths       PathsConfig       `yaml:"paths"`
	Environment EnvironmentConfig `yaml:"environment"`
	Assets      AssetsConfig      `yaml:"assets"`
	Backend     BackendConfig     `yaml:"backend"`
	Storage     StorageConfig     `yaml:"storage"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Shim        ShimConfig        `yaml:"shim"`
	API         APIConfig         `yaml:"api,omitempty"`
}

// AppConfig defines application identity and logging.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version,omitempty"` // Overrides the build version when set
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PathsConfig locates the read-only resource root and the mutable data root.
type PathsConfig struct {
	ResourceRoot string `yaml:"resource_root"`
	DataRoot     string `yaml:"data_root"`
}

// EnvironmentConfig describes the isolated backend runtime.
type EnvironmentConfig struct {
	Dir               string        `yaml:"dir"`
	Marker            string        `yaml:"marker"`
	Tool              string        `yaml:"tool"`
	SmokeImport       string        `yaml:"smoke_import"`
	ArtifactExt       string        `yaml:"artifact_ext"`
	OptionalComponent []string      `yaml:"optional_component,omitempty"`
	LockFile          string        `yaml:"lock_file"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// AssetsConfig lists the asset directories synchronized into the data root.
type AssetsConfig struct {
	Dirs         []string `yaml:"dirs"`
	ExampleInfix string   `yaml:"example_infix"`
}

// BackendConfig defines how the backend is launched.
type BackendConfig struct {
	Module     string            `yaml:"module"`
	CLIModule  string            `yaml:"cli_module"`
	Host       string            `yaml:"host"`
	EnvPrefix  string            `yaml:"env_prefix"`
	Marker     string            `yaml:"marker"`
	AttachPort int               `yaml:"attach_port,omitempty"` // >0 attaches to an external backend
	ExtraEnv   map[string]string `yaml:"extra_env,omitempty"`
}

// StorageConfig names the storage locations derived from the data root.
type StorageConfig struct {
	ChatsDB       string `yaml:"chats_db"`
	VectorDir     string `yaml:"vector_dir"`
	SandboxDir    string `yaml:"sandbox_dir"`
	ExtensionsDir string `yaml:"extensions_dir"`
	JournalDB     string `yaml:"journal_db"`
}

// TimeoutsConfig bounds every wait the supervisor performs.
type TimeoutsConfig struct {
	PortWait       time.Duration `yaml:"port_wait"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthAttempts int           `yaml:"health_attempts"`
	HealthRequest  time.Duration `yaml:"health_request"`
	HealthPath     string        `yaml:"health_path"`
	StopGrace      time.Duration `yaml:"stop_grace,omitempty"`
}

// ShimConfig defines where the CLI launcher script is written.
type ShimConfig struct {
	Dir  string `yaml:"dir"`
	Name string `yaml:"name"`
}

// APIConfig defines the local status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with the values the desktop bundle ships with.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:      "sidecar",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Paths: PathsConfig{
			ResourceRoot: defaultResourceRoot(),
			DataRoot:     defaultDataRoot("sidecar"),
		},
		Environment: EnvironmentConfig{
			Dir:               "backend-venv",
			Marker:            ".suzent-version",
			Tool:              "uv",
			SmokeImport:       "suzent.cli.__main__",
			ArtifactExt:       ".whl",
			OptionalComponent: []string{"-m", "playwright", "install", "chromium"},
			LockFile:          ".provision.lock",
			CommandTimeout:    10 * time.Minute,
		},
		Assets: AssetsConfig{
			Dirs:         []string{"config", "skills"},
			ExampleInfix: ".example.",
		},
		Backend: BackendConfig{
			Module:    "suzent.server",
			CLIModule: "suzent.cli",
			Host:      "127.0.0.1",
			EnvPrefix: "SUZENT",
			Marker:    "SERVER_PORT:",
		},
		Storage: StorageConfig{
			ChatsDB:       "chats.db",
			VectorDir:     "memory",
			SandboxDir:    "sandbox-data",
			ExtensionsDir: "skills",
			JournalDB:     "sidecar.db",
		},
		Timeouts: TimeoutsConfig{
			PortWait:       60 * time.Second,
			HealthInterval: 500 * time.Millisecond,
			HealthAttempts: 30,
			HealthRequest:  2 * time.Second,
			HealthPath:     "/config",
		},
		Shim: ShimConfig{
			Dir:  "bin",
			Name: "suzent",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:25310",
		},
	}
}

// EnvironmentRoot returns the absolute environment directory under the data root.
func (c *Config) EnvironmentRoot() string {
	return filepath.Join(c.Paths.DataRoot, c.Environment.Dir)
}

// JournalPath returns the journal database path.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.DataRoot, c.Storage.JournalDB)
}

// PortFilePath returns the file the backend writes its bound port to.
func (c *Config) PortFilePath() string {
	return filepath.Join(c.Paths.DataRoot, "server.port")
}

func defaultResourceRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "./resources"
	}
	return filepath.Join(filepath.Dir(exe), "resources")
}

func defaultDataRoot(name string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(dir, name)
}
