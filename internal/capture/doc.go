// Package capture delivers microphone PCM to the pipeline.
// Two interchangeable sources exist: a blocking-read loop over a synchronous
// audio peripheral, and an event-driven USB audio-class source that negotiates
// a format on connect and converts inline when the device rate differs.
package capture
