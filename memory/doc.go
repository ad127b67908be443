// Package memory holds process-local caches that outlive a single turn but
// not a session. Its main type, SummaryCache, remembers the summaries the
// context manager synthesizes for overflowed history ranges so repeated
// turns never re-summarize an identical range.
package memory
