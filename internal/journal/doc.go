// Package journal persists the audit trail of a run: every state
// transition as one JSON line in transitions.jsonl, and the final record
// tree as snapshot.json. The transition log is written through an
// unbuffered encoder so each line hits disk as it happens; the snapshot is
// replaced atomically so a crash never leaves a torn file.
package journal
