// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing histories, sessions and events. They are
// not intended for production usage.
package testutil
