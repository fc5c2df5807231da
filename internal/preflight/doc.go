// Package preflight provides readiness checks for the filesystem paths
// and remote endpoints tonearm depends on.
//
// The CLI "tonearm status" command runs RunAll and renders each Result.
// Each check is gated by its config section; disabled features are
// reported as skipped rather than failed.
package preflight
