// Package device binds the capture and playback interfaces to real audio
// hardware: a PortAudio input stream for the peripheral transport, a
// miniaudio (malgo) device watcher for the USB transport, and a miniaudio
// playback device for output. All of it requires cgo.
package device
