// Package server exposes the audio pipeline over HTTP: health and status,
// statistics, transport control, volume and VAD settings, playback upload,
// recordings, and Prometheus metrics.
package server
