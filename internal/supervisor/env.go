package supervisor

import (
	"path/filepath"
	"sort"

	"github.com/mattjoyce/sidecar/internal/config"
)

// BackendEnv returns the environment contract passed to the backend: a port
// request of 0, the bind host, the data root and the derived storage paths.
// Extra variables from configuration come last, sorted by name.
func BackendEnv(cfg *config.Config) []string {
	data := cfg.Paths.DataRoot
	prefix := cfg.Backend.EnvPrefix
	st := cfg.Storage

	env := []string{
		"VIRTUAL_ENV=" + cfg.EnvironmentRoot(),
		prefix + "_PORT=0",
		prefix + "_HOST=" + cfg.Backend.Host,
		prefix + "_APP_DATA=" + data,
		"CHATS_DB_PATH=" + filepath.Join(data, st.ChatsDB),
		"LANCEDB_URI=" + filepath.Join(data, st.VectorDir),
		"SANDBOX_DATA_PATH=" + filepath.Join(data, st.SandboxDir),
		"SKILLS_DIR=" + filepath.Join(data, st.ExtensionsDir),
	}

	keys := make([]string, 0, len(cfg.Backend.ExtraEnv))
	for k := range cfg.Backend.ExtraEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Backend.ExtraEnv[k])
	}
	return env
}
