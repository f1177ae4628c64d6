// Package recorder writes pipeline capture streams to WAV files while the
// pipeline is recording.
// Each recording session produces one file per stream, with the header
// patched with the final data size when the session ends.
package recorder
