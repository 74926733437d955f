// Package kiln holds the error taxonomy shared by every kiln component.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can tell a compile failure from a failing training function from a network
// problem with errors.Is.
package kiln
