// Package mcp exposes pipelined as an MCP server.
//
// Tools delegate to a running pipelined daemon over its HTTP API, so any
// number of stdio sessions share one orchestrator:
//
//	MCP client → stdio (this server) → client.Client → pipelined daemon
//
// Registered tools: run_submit, run_status, run_list, run_context,
// run_rollback, run_cancel, approval_resolve, approval_list and
// audit_query.
package mcp
