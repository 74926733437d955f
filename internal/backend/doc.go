// Package backend defines the closed set of execution backends a generated
// program can be pinned to, along with the capabilities the code generator
// and executor check a function's constraints against.
package backend
