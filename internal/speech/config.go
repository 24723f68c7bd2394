// Package speech turns notification text into audio files: a
// content-addressed cache of WAV files, Piper voice management and the
// synthesizer that ties them together.
package speech

// AudioExt is the extension of every file the cache manages.
const AudioExt = ".wav"

// Piper voices are published here, one directory per
// <lang>/<locale>/<speaker>/<quality>.
const DefaultVoiceRepository = "https://huggingface.co/rhasspy/piper-voices/resolve/v1.0.0"

// Voices fetched by the voices download command when none are named.
var DefaultVoices = []string{
	"zh_CN-huayan-medium",
	"en_US-lessac-medium",
}

// Audio parameters assumed when a voice sidecar does not say otherwise.
// Piper medium-quality voices are 22.05 kHz mono 16-bit.
const (
	DefaultSampleRate = 22050
	ChannelCount      = 1
	BitDepth          = 16
)
