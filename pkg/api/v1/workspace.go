package v1

import "time"

// VolumeMount binds a host path into the agent's view of the filesystem.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// AdditionalMount is a mount requested by a workspace. It is only honoured
// after the allowlist accepts it. ReadOnly defaults to true.
type AdditionalMount struct {
	HostPath      string `json:"host_path" yaml:"hostPath"`
	ContainerPath string `json:"container_path,omitempty" yaml:"containerPath"`
	ReadOnly      *bool  `json:"read_only,omitempty" yaml:"readOnly"`
}

// IsReadOnly returns the requested mode, read-only when unset.
func (m AdditionalMount) IsReadOnly() bool {
	return m.ReadOnly == nil || *m.ReadOnly
}

// WorkspaceConfig describes a workspace. The orchestrator only reads it.
type WorkspaceConfig struct {
	Folder            string            `json:"folder" yaml:"folder"`
	Name              string            `json:"name" yaml:"name"`
	Mode              ExecutionMode     `json:"mode,omitempty" yaml:"mode"`
	OwnerID           string            `json:"owner_id" yaml:"ownerId"`
	IsHome            bool              `json:"is_home" yaml:"isHome"`
	IsAdminHome       bool              `json:"is_admin_home" yaml:"isAdminHome"`
	Timeout           time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	AdditionalMounts  []AdditionalMount `json:"additional_mounts,omitempty" yaml:"additionalMounts"`
	WorkingDir        string            `json:"working_dir,omitempty" yaml:"workingDir"`
	Skills            []string          `json:"skills,omitempty" yaml:"skills"`
	ProviderOverrides map[string]string `json:"-" yaml:"providerOverrides"`
	CreatedAt         time.Time         `json:"created_at,omitempty" yaml:"-"`
}

// Privileged reports whether the workspace sees the project root.
func (w *WorkspaceConfig) Privileged() bool {
	return w.IsHome || w.IsAdminHome
}
