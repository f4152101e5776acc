package retrieval

import "strings"

// ResolveIndex selects the single index a message should be grounded
// against. Workspace knowledge is curated and shared, so it dominates;
// thread knowledge (files uploaded in this conversation) comes next;
// project is the legacy fallback tier. Returns "" when no scope has an
// index.
func ResolveIndex(rc Context) string {
	for _, id := range []string{rc.WorkspaceIndexID, rc.ThreadIndexID, rc.ProjectIndexID} {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
