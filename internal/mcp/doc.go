// Package mcp implements the client side of the Model Context Protocol
// over streamable HTTP, so remote tool servers can contribute tools to
// a user's toolset. Calls are made on behalf of the user bound to the
// request context: their bearer token is forwarded to the server.
package mcp
