package agent

import (
	"slices"
	"strings"
)

// CanAccept reports whether an agent with agentCaps may take a task requiring
// required. Tags match exactly; an empty requirement matches every agent.
func CanAccept(agentCaps, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(agentCaps))
	for _, c := range agentCaps {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// NormalizeCapabilities trims, drops empty tags, dedupes and sorts.
// Case is preserved; "GPU" and "gpu" are different tags.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, c)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
