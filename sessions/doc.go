// Package sessions holds the per-client protocol state: the session state
// machine gating traffic on the initialize handshake, the ledger of pending
// server-initiated requests awaiting client responses, the per-session
// replayable stream, and the registry that routes by explicit session id.
package sessions
