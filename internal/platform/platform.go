// Package platform hides the per-OS differences the supervisor cares about:
// executable naming, interpreter layout inside an environment, process
// creation flags and termination, and the launcher shim format.
package platform

import (
	"os"
	"path/filepath"
)

// ToolNames returns the file names the provisioning tool may carry, most
// specific first.
func ToolNames(tool string) []string {
	if ext := ExeSuffix(); ext != "" {
		return []string{tool + ext, tool}
	}
	return []string{tool}
}

// FindFirst returns the first candidate that exists as a regular file.
func FindFirst(candidates []string) (string, bool) {
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}

// FindTool looks for the provisioning tool directly in root, then under
// root/resources.
func FindTool(root, tool string) (string, bool) {
	var candidates []string
	for _, name := range ToolNames(tool) {
		candidates = append(candidates,
			filepath.Join(root, name),
			filepath.Join(root, "resources", name),
		)
	}
	return FindFirst(candidates)
}

// FindBundledRuntime looks for the bundled interpreter under root.
func FindBundledRuntime(root string) (string, bool) {
	return FindFirst(BundledRuntimeCandidates(root))
}
