// Package tools serves groups of tools as MCP servers over streamable HTTP.
// Each group implements Provider and registers its handlers with the server.
package tools
