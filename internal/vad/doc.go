// Package vad provides energy-based voice activity detection.
// Blocks are classified by RMS level in dBFS against a runtime-adjustable
// threshold, and the detector tracks the duration of the current active run.
package vad
