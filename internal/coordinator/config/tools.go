package config

// Tool defines the MCP tools exposed by the coordinator
const (
	// ToolGetStatus is the task status tool name
	ToolGetStatus = "research.get_status"
	// ToolCancel is the task cancel tool name
	ToolCancel = "research.cancel"
	// ToolListSessions is the local session listing tool name
	ToolListSessions = "research.list_sessions"
)

// AllTools returns a slice of all available tool names
func AllTools() []string {
	return []string{
		ToolGetStatus,
		ToolCancel,
		ToolListSessions,
	}
}
