// Package protocol owns the task wire contract.
//
// Ownership boundary:
// - frame/length-prefix primitives (subpackage frame)
// - tagged-union message model and its binary encoding
// - stream entry points used by connection handlers and clients
package protocol
