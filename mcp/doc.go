// Package mcp contains the protocol vocabulary shared by the engine, the
// transports and the task subsystem: method names, capability structs,
// lifecycle payloads and the task wire types.
//
// The package is free of transport logic. It mirrors the wire representation
// while keeping the surface Go-friendly (exported structs with json tags and
// string constants for method names and enumerations).
//
// # Tasks
//
// A request whose params carry a "task" member is task-augmented: the
// receiver answers immediately with a CreateTaskResult and the requester
// polls tasks/get (or blocks on tasks/result) until the Task reaches a
// terminal status. TaskStatus.IsTerminal reports whether a status is
// absorbing.
//
//	res := mcp.CreateTaskResult{Task: mcp.Task{TaskID: id, Status: mcp.TaskStatusWorking}}
//
// # Metadata
//
// Meta carries the progress token and the related-task reference under the
// _meta key of params and results.
package mcp
