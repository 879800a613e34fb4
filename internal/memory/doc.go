// Package memory keeps a long conversation inside a bounded context window.
//
// On every outgoing turn the Engine:
//  1. Reconciles persisted summaries against the current history, dropping
//     summaries whose turns were edited away.
//  2. Summarizes overflow turns into new Summary records, dispatching the
//     batches through a rate limited Dispatcher and committing all or nothing.
//  3. Selects summaries into a memory budget by importance, recency,
//     similarity to the latest turns, and finally at random.
//  4. Emits a synthetic system turn holding the selected summaries, followed
//     by the turns that have not been summarized yet.
//
// Room state round-trips through Encode and Decode; the engine never persists
// anything itself.
package memory
