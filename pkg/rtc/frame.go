package rtc

import (
	"github.com/bytedance/sonic"
)

// Audio frames cross the data channel as JSON so either side can evolve the
// envelope without a wire version. Older builds sent bare codec payloads;
// DecodeFrame still accepts those.

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
)

// AudioPacket is one encoded audio frame with its playback parameters.
type AudioPacket struct {
	Audio      []byte `json:"audio"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// EncodeFrame serializes a packet, filling in default playback parameters
// for any the caller left zero.
func EncodeFrame(pkt AudioPacket) ([]byte, error) {
	if pkt.SampleRate == 0 {
		pkt.SampleRate = DefaultSampleRate
	}
	if pkt.Channels == 0 {
		pkt.Channels = DefaultChannels
	}
	return sonic.Marshal(pkt)
}

// DecodeFrame parses an incoming frame. Payloads that are not the JSON
// envelope, or that decode to an empty one, are treated as legacy raw audio
// at the default parameters rather than dropped.
func DecodeFrame(payload []byte) AudioPacket {
	var pkt AudioPacket
	if err := sonic.Unmarshal(payload, &pkt); err != nil || (pkt.Audio == nil && pkt.SampleRate == 0) {
		legacyFrames.Inc()
		return AudioPacket{
			Audio:      payload,
			SampleRate: DefaultSampleRate,
			Channels:   DefaultChannels,
		}
	}
	if pkt.SampleRate == 0 {
		pkt.SampleRate = DefaultSampleRate
	}
	if pkt.Channels == 0 {
		pkt.Channels = DefaultChannels
	}
	return pkt
}
