// Package mcp contains the wire-format types and method identifiers of the
// protocol: JSON-RPC payload shapes for the initialize handshake, tools,
// resources, prompts, and sampling round-trips. The types here are plain
// data; all behavior lives in the engine and transport packages.
package mcp
