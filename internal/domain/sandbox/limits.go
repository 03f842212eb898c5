package sandbox

// Limits defines resource and hardening constraints for a sandbox.
type Limits struct {
	MemoryMB       int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUQuota       int    `json:"cpu_quota,omitempty" yaml:"cpu_quota,omitempty"` // millicores
	PidsLimit      int    `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	NetworkMode    string `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
	User           string `json:"user,omitempty" yaml:"user,omitempty"`
	ReadOnlyRootFS bool   `json:"read_only_root_fs" yaml:"read_only_root_fs"`
}

// Merge returns a new Limits where non-zero fields from override replace base.
// ReadOnlyRootFS can only be switched on by an override, never off.
func Merge(base, override Limits) Limits {
	out := base
	if override.MemoryMB > 0 {
		out.MemoryMB = override.MemoryMB
	}
	if override.CPUQuota > 0 {
		out.CPUQuota = override.CPUQuota
	}
	if override.PidsLimit > 0 {
		out.PidsLimit = override.PidsLimit
	}
	if override.NetworkMode != "" {
		out.NetworkMode = override.NetworkMode
	}
	if override.User != "" {
		out.User = override.User
	}
	out.ReadOnlyRootFS = base.ReadOnlyRootFS || override.ReadOnlyRootFS
	return out
}

// Cap returns a new Limits where each numeric field is capped at ceiling.
// A zero ceiling field means no cap for that field.
func Cap(limits, ceiling Limits) Limits {
	out := limits
	if ceiling.MemoryMB > 0 && out.MemoryMB > ceiling.MemoryMB {
		out.MemoryMB = ceiling.MemoryMB
	}
	if ceiling.CPUQuota > 0 && out.CPUQuota > ceiling.CPUQuota {
		out.CPUQuota = ceiling.CPUQuota
	}
	if ceiling.PidsLimit > 0 && out.PidsLimit > ceiling.PidsLimit {
		out.PidsLimit = ceiling.PidsLimit
	}
	return out
}

// NonRoot reports whether the limits pin a non-root user.
func (l Limits) NonRoot() bool {
	return l.User != "" && l.User != "0" && l.User != "root" && l.User != "0:0"
}
