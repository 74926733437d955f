// Package engine runs functions locally. An Executor validates the request,
// generates and builds a program pinned to one function and backend, runs it
// and records every step of the execution in the store.
package engine
