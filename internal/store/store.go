// Package store provides the persistence boundary for per-agent documents.
// Every component that survives a process restart (loop hash counts, prompt
// and state histories) goes through a DocumentStore keyed by (agent, kind).
package store

import (
	"errors"
)

// Document kinds used by the loop detector.
const (
	KindHashes  = "hashes"
	KindHistory = "history"
	KindState   = "state"
)

// ErrCorrupt is reported (via logs, not returned) when a persisted document
// fails to parse. The caller sees an empty document instead so one corrupted
// agent record cannot halt the rest of the swarm.
var ErrCorrupt = errors.New("store: corrupt document")

// DocumentStore is a plain key-to-document store. Load fills v with the
// decoded document, or leaves it untouched when no document exists yet
// (first observation of an agent). Save replaces the document wholesale.
type DocumentStore interface {
	// Load decodes the document for (agent, kind) into v. A missing
	// document is not an error.
	Load(agent, kind string, v interface{}) error

	// Save encodes v and replaces the document for (agent, kind).
	Save(agent, kind string, v interface{}) error

	// Delete removes every document for the agent. Used when the
	// orchestration boundary prunes an agent.
	Delete(agent string) error

	// Agents lists the agent IDs that have a document of the given kind.
	Agents(kind string) ([]string, error)
}
