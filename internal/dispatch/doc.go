// Package dispatch owns the path from a decoded request to its reply.
//
// Ownership boundary:
// - WorkItem and its one-shot Responder
// - bounded Queue shared by every connection handler
// - Pool workers and the blocking Executor that runs digests
package dispatch
