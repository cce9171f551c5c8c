// Package version carries build-time identity for the homelab MCP server.
package version

// Set via -ldflags at build time; default values are used in dev builds.
var (
	BinaryName = "homelab-mcp-server"
	Version    = "dev"
	GitCommit  = "unknown"
)

// ProtocolVersion is the MCP wire protocol version this server advertises
// in its initialize response.
const ProtocolVersion = "2025-03-26"
