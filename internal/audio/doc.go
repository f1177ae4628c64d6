// Package audio provides the PCM building blocks of the pipeline: the
// reject-on-full byte ring buffer, the stereo mixer/decimator, 16-bit sample
// conversion with volume scaling, and WAV encoding for recorded streams.
package audio
