// Package devsession orchestrates a long-lived helper subprocess that speaks
// serial to a MicroPython-compatible microcontroller. It owns the helper's
// lifecycle, serializes a queue of high-level operations onto the helper's
// single stdin/stdout channel, frames and parses the delimited textual
// protocol described in the project's wire-protocol notes, and returns a
// typed result per operation to the caller.
//
// A Session is the entry point: it spawns the helper, accepts operation
// requests from any number of concurrent callers, and guarantees that at
// most one operation is in flight against the helper at any time.
package devsession
