package audio

import "time"

// AudioFrame is a single chunk of PCM audio on its way to a voice channel.
type AudioFrame struct {
	// PCM audio data, little-endian signed 16-bit interleaved samples.
	Data []byte

	// SampleRate in Hz (48000 for Discord).
	SampleRate int

	// Channels: 2 for stereo Discord output.
	Channels int

	// Timestamp is the position of this frame relative to the start of the
	// track being played.
	Timestamp time.Duration
}
