package webrtc

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// Browsers negotiate Opus at 48 kHz. Parley decodes and encodes mono in
// 20 ms packets.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameMs    = 20

	// opusFrameSize is the number of samples per channel per 20 ms packet.
	opusFrameSize = opusSampleRate * opusFrameMs / 1000 // 960

	// opusMaxFrameSize fits the longest packet Opus allows (120 ms).
	opusMaxFrameSize = opusSampleRate * 120 / 1000

	opusMaxPacket = 1275
)

var opusFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// opusDecoder wraps a gopus decoder for one inbound track. Decoder state
// carries across packets, so each track gets its own.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into 48 kHz mono PCM bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus decode: %w", err)
	}
	return audio.Int16ToBytes(pcm), nil
}

// opusEncoder wraps a gopus encoder for the outbound track.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode turns exactly one 20 ms frame of 48 kHz mono PCM bytes into an
// Opus packet.
func (e *opusEncoder) encode(pcm []byte) ([]byte, error) {
	packet, err := e.enc.Encode(audio.BytesToInt16(pcm), opusFrameSize, opusMaxPacket)
	if err != nil {
		return nil, fmt.Errorf("webrtc: opus encode: %w", err)
	}
	return packet, nil
}
