// Package window implements the context manager: it turns a session history
// into a token-budgeted ContextWindow for one agent turn.
//
// Every build scores messages with the importance package, keeps the system
// prompt and all Critical content unconditionally, deduplicates the rest,
// fills the remaining budget by tier and recency (or task relevance), and
// replaces overflowed High and Medium history with one cached summary so
// nothing of substance is silently truncated.
package window
