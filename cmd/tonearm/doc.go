// Package main hosts the tonearm CLI entrypoint and command graph.
//
// The Cobra command tree exposes the chunk cache (list, stats, prune,
// remove, verify), a fetch command that streams one media item from the
// access point or CDN into a local file, and configuration scaffolding.
// It centralizes configuration resolution and logger setup so subcommands
// only deal with presentation.
package main
