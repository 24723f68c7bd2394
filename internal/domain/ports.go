package domain

import (
	"context"
	"encoding/json"
)

// VendorClient is the contract required from the speaker vendor's cloud API.
// Every call may fail with a transport or authentication error. Responses of
// playback calls are returned raw because their shape varies by firmware.
type VendorClient interface {
	Login(ctx context.Context) error
	DeviceList(ctx context.Context) ([]Device, error)
	PlayByURL(ctx context.Context, deviceID, url string) (json.RawMessage, error)
	TextToSpeech(ctx context.Context, deviceID, text string) (json.RawMessage, error)
	SetVolume(ctx context.Context, deviceID string, level int) (json.RawMessage, error)
}

// Player issues playback commands against whatever device is configured.
// Implementations never return transport errors; failure is false plus a log
// line.
type Player interface {
	PlayURL(ctx context.Context, url string) bool
	PlayTTS(ctx context.Context, text string) bool
	SetVolume(ctx context.Context, level int) bool
	Close() error
}

// Synthesizer turns text into an audio file inside the speech cache and
// returns its path.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
	HasVoice(lang string) bool
}

// Notifier accepts messages for delivery. Implementations may deliver
// synchronously or queue.
type Notifier interface {
	SendGitHub(ctx context.Context, ev NotificationEvent) bool
	SendCustom(ctx context.Context, message string) bool
}
