// Package storage provides the receiver's persistence capabilities: a
// sanitizing disk saver for completed files and an optional bbolt-backed
// resume store for partial transfer state.
//
// File names arrive from untrusted peers and are sanitized before any
// filesystem interaction; see SanitizeFilename. The resume store lets a
// receiver restart without re-fetching pieces that already crossed a slow
// radio link.
package storage
