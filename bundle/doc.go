// Package bundle packages arbitrary sets of files (code, configs, model
// weights, logs) into named byte streams.
//
// Values are written to a Sink by an Encoder and read back from a Source by a
// Decoder. Sinks and sources come in in-memory, directory and archive
// flavours, and a Sources builder assembles bundles entry by entry,
// rejecting duplicate paths as soon as they are added.
package bundle
