package xiaomi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

const (
	DefaultMinaURL = "https://api2.mina.mi.com"

	minaUserAgent = "MiHome/6.0.103 (com.xiaomi.mihome; build:6.0.103.1; iOS 14.4.0) Alamofire/6.0.103 MICO/iOSApp/appStore/6.0.103"
)

// MinaOption configures the MiNA client.
type MinaOption func(*MiNA)

// WithMinaURL overrides the MiNA API base URL.
func WithMinaURL(u string) MinaOption {
	return func(m *MiNA) {
		m.baseURL = strings.TrimRight(u, "/")
	}
}

// MiNA talks to the speaker API. Playback commands are ubus calls relayed
// through the cloud to the device.
type MiNA struct {
	account *Account
	baseURL string
	log     *logger.Logger
}

var _ domain.VendorClient = (*MiNA)(nil)

// NewMiNA creates a MiNA client signing requests with account.
func NewMiNA(account *Account, log *logger.Logger, opts ...MinaOption) *MiNA {
	m := &MiNA{
		account: account,
		baseURL: DefaultMinaURL,
		log:     log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login forces a fresh account login.
func (m *MiNA) Login(ctx context.Context) error {
	return m.account.Login(ctx)
}

type deviceEntry struct {
	DeviceID string     `json:"deviceID"`
	MiotDID  flexString `json:"miotDID"`
	Name     string     `json:"name"`
	Alias    string     `json:"alias"`
	Hardware string     `json:"hardware"`
}

// DeviceList returns the account roster.
func (m *MiNA) DeviceList(ctx context.Context) ([]domain.Device, error) {
	raw, err := m.request(ctx, "/admin/v2/device_list?master=0", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []deviceEntry `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding device list: %w", domain.ErrTransport, err)
	}

	devices := make([]domain.Device, 0, len(resp.Data))
	for _, d := range resp.Data {
		name := d.Name
		if name == "" {
			name = d.Alias
		}
		devices = append(devices, domain.Device{
			ID:        d.DeviceID,
			NumericID: string(d.MiotDID),
			Name:      name,
			Hardware:  d.Hardware,
		})
	}
	m.log.Debug("device list: %d devices", len(devices))
	return devices, nil
}

// PlayByURL makes the device stream url.
func (m *MiNA) PlayByURL(ctx context.Context, deviceID, url string) (json.RawMessage, error) {
	return m.ubus(ctx, deviceID, "player_play_url", "mediaplayer", map[string]any{
		"url":   url,
		"type":  2,
		"media": "app_ios",
	})
}

// TextToSpeech makes the device speak text with its built-in voice.
func (m *MiNA) TextToSpeech(ctx context.Context, deviceID, text string) (json.RawMessage, error) {
	return m.ubus(ctx, deviceID, "text_to_speech", "mibrain", map[string]any{
		"text": text,
	})
}

// SetVolume sets the device volume, 0..100.
func (m *MiNA) SetVolume(ctx context.Context, deviceID string, level int) (json.RawMessage, error) {
	return m.ubus(ctx, deviceID, "player_set_volume", "mediaplayer", map[string]any{
		"volume": level,
		"media":  "app_ios",
	})
}

func (m *MiNA) ubus(ctx context.Context, deviceID, method, path string, message map[string]any) (json.RawMessage, error) {
	msg, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	m.log.Debug("ubus %s/%s on %s: %s", path, method, deviceID, msg)
	return m.request(ctx, "/remote/ubus", url.Values{
		"deviceId": {deviceID},
		"message":  {string(msg)},
		"method":   {method},
		"path":     {path},
	})
}

// request adds the request id (a form field on POST, a query parameter on
// GET) and the app user agent.
func (m *MiNA) request(ctx context.Context, uri string, form url.Values) (json.RawMessage, error) {
	id := requestID()
	if form != nil {
		form.Set("requestId", id)
	} else {
		sep := "?"
		if strings.Contains(uri, "?") {
			sep = "&"
		}
		uri += sep + "requestId=" + id
	}
	header := http.Header{"User-Agent": {minaUserAgent}}
	return m.account.Request(ctx, m.baseURL+uri, form, header)
}

const idChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func requestID() string {
	b := make([]byte, 30)
	for i := range b {
		b[i] = idChars[rand.IntN(len(idChars))]
	}
	return "app_ios_" + string(b)
}

// flexString accepts a JSON string or number. The vendor is inconsistent
// about which one it sends for ids and nonces.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
