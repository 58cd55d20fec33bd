package coordinator

import (
	"strings"

	"github.com/mark3labs/mcp-go/server"
)

// mcpBasePath is where the MCP SSE transport is mounted
const mcpBasePath = "/mcp"

// SSEHandler returns the MCP HTTP/SSE transport for mounting under
// mcpBasePath on the main listener.
func (ms *MCPServer) SSEHandler(baseURL string) *server.SSEServer {
	return server.NewSSEServer(ms.server,
		server.WithBaseURL(strings.TrimSuffix(baseURL, "/")),
		server.WithStaticBasePath(mcpBasePath),
	)
}
