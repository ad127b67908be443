// Package workspace keeps per-session workspace entries (notes, drafts, file
// snippets) that agents write through the note tools and that delegation
// shares with sub-agents as a workspace summary.
//
// The store is in memory. Entries are copied on save and retrieval so callers
// never alias stored buffers.
package workspace
