// Package pipeline implements the audio pipeline orchestrator.
// It owns the raw, processed and playback ring buffers behind one lock with
// bounded acquisition, decimates captured audio into the 16 kHz mono stream,
// runs voice activity detection, and drains playback to the output device.
package pipeline
