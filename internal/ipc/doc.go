// Package ipc implements the line protocol spoken between the orchestrator
// and a running agent process.
//
// The agent's stdout carries newline-delimited JSON progress events and
// question marker lines of the form "__CQ__:<base64 json>". Answers travel
// back through a small JSON file in the session's IPC directory which the
// agent polls for.
package ipc
