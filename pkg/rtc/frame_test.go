package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	b, err := EncodeFrame(AudioPacket{Audio: []byte{1, 2, 3}, SampleRate: 44100, Channels: 2})
	require.NoError(t, err)

	pkt := DecodeFrame(b)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Audio)
	assert.Equal(t, 44100, pkt.SampleRate)
	assert.Equal(t, 2, pkt.Channels)
}

func TestEncodeFrameFillsDefaults(t *testing.T) {
	b, err := EncodeFrame(AudioPacket{Audio: []byte{9}})
	require.NoError(t, err)

	pkt := DecodeFrame(b)
	assert.Equal(t, DefaultSampleRate, pkt.SampleRate)
	assert.Equal(t, DefaultChannels, pkt.Channels)
}

func TestDecodeFrameLegacyPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"raw opus bytes", []byte{0x78, 0x01, 0xff, 0x00, 0x42}},
		{"empty json object", []byte(`{}`)},
		{"json but wrong shape", []byte(`{"foo":"bar"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := DecodeFrame(tt.payload)
			assert.Equal(t, tt.payload, pkt.Audio)
			assert.Equal(t, DefaultSampleRate, pkt.SampleRate)
			assert.Equal(t, DefaultChannels, pkt.Channels)
		})
	}
}

func TestDecodeFramePartialEnvelope(t *testing.T) {
	// A real envelope missing optional fields keeps its audio and gets
	// default playback parameters.
	pkt := DecodeFrame([]byte(`{"audio":"AQID"}`))
	assert.Equal(t, []byte{1, 2, 3}, pkt.Audio)
	assert.Equal(t, DefaultSampleRate, pkt.SampleRate)
	assert.Equal(t, DefaultChannels, pkt.Channels)
}
