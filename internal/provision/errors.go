package provision

import "errors"

var (
	// ErrEnvironmentStale means the environment needs (re)provisioning.
	ErrEnvironmentStale = errors.New("environment missing or stale")
	// ErrToolNotFound means the provisioning tool is not bundled.
	ErrToolNotFound = errors.New("provisioning tool not found")
	// ErrRuntimeNotFound means no interpreter was found, bundled or provisioned.
	ErrRuntimeNotFound = errors.New("runtime not found")
	// ErrArtifactNotFound means no installable artifact was found.
	ErrArtifactNotFound = errors.New("installable artifact not found")
	// ErrToolFailed means a mandatory provisioning command failed.
	ErrToolFailed = errors.New("provisioning tool failed")
	// ErrOptionalComponent is logged and never returned from Ensure.
	ErrOptionalComponent = errors.New("optional component install failed")
)
