package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/transport"
)

var testCfg = Config{
	Format:        audio.Format{SampleRate: 16000, Channels: 1},
	FrameDuration: 20 * time.Millisecond,
}

func sine(samples int, freq float64) []int16 {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/opusSampleRate))
	}
	return pcm
}

func TestOpusRoundTrip(t *testing.T) {
	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}
	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}

	for i := range 5 {
		packet, err := enc.encode(audio.Int16ToBytes(sine(opusFrameSize, 440)))
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		if len(packet) == 0 || len(packet) > opusMaxPacket {
			t.Fatalf("encode %d: packet length = %d", i, len(packet))
		}
		pcm, err := dec.decode(packet)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got, want := len(pcm), opusFrameSize*2; got != want {
			t.Errorf("decode %d: %d bytes, want %d", i, got, want)
		}
	}
}

func TestOpusDecode_Garbage(t *testing.T) {
	dec, err := newOpusDecoder()
	if err != nil {
		t.Fatalf("newOpusDecoder: %v", err)
	}
	if _, err := dec.decode([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Error("decode garbage: expected error")
	}
}

// newOffer builds a browser-like audio offer from an in-process peer.
func newOffer(t *testing.T) pion.SessionDescription {
	t.Helper()
	_, offer := newPeer(t)
	return offer
}

// newPeer returns an in-process browser stand-in and its gathered offer.
func newPeer(t *testing.T) (*pion.PeerConnection, pion.SessionDescription) {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("ICE gathering did not complete")
	}
	return pc, *pc.LocalDescription()
}

func postOffer(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/offer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AnswersOffer(t *testing.T) {
	var (
		mu       sync.Mutex
		accepted []transport.Connection
	)
	h := Handler(testCfg, func(_ context.Context, c transport.Connection) error {
		mu.Lock()
		defer mu.Unlock()
		accepted = append(accepted, c)
		return nil
	})

	body, err := json.Marshal(newOffer(t))
	if err != nil {
		t.Fatal(err)
	}
	rec := postOffer(t, h, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %q)", rec.Code, rec.Body.String())
	}

	var resp offerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Answer.Type != pion.SDPTypeAnswer {
		t.Errorf("answer type = %v, want answer", resp.Answer.Type)
	}
	if !strings.Contains(strings.ToLower(resp.Answer.SDP), "opus") {
		t.Error("answer SDP does not negotiate opus")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(accepted) != 1 {
		t.Fatalf("accept called %d times, want 1", len(accepted))
	}
	c := accepted[0]
	if c.ID() != resp.SessionID {
		t.Errorf("session_id = %q, want connection id %q", resp.SessionID, c.ID())
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after Close = %v, want nil", err)
	}
	err = c.Send(context.Background(), audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1})
	if !errors.Is(err, transport.ErrTransportLost) {
		t.Errorf("Send after Close = %v, want ErrTransportLost", err)
	}
}

func TestHandler_RefusedConnection(t *testing.T) {
	var refused transport.Connection
	h := Handler(testCfg, func(_ context.Context, c transport.Connection) error {
		refused = c
		return errors.New("at capacity")
	})

	body, _ := json.Marshal(newOffer(t))
	rec := postOffer(t, h, body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "at capacity") {
		t.Errorf("body = %q, want refusal reason", rec.Body.String())
	}
	if refused == nil {
		t.Fatal("accept was not called")
	}
	select {
	case <-refused.Done():
	case <-time.After(time.Second):
		t.Error("refused connection was not closed")
	}
}

func TestHandler_BadRequests(t *testing.T) {
	h := Handler(testCfg, func(context.Context, transport.Connection) error {
		t.Error("accept must not be called")
		return nil
	})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "hello"},
		{"answer instead of offer", `{"type":"answer","sdp":"v=0"}`},
		{"empty sdp", `{"type":"offer","sdp":""}`},
		{"invalid sdp", `{"type":"offer","sdp":"not an sdp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postOffer(t, h, []byte(tt.body))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSend_BuffersPartialPackets(t *testing.T) {
	offer := newOffer(t)
	c, _, err := Answer(context.Background(), offer, testCfg)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	// 10 ms at 16 kHz is half an Opus packet and must stay buffered.
	half := audio.Frame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
	if err := c.Send(context.Background(), half); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := c.outFrame.Next(); got != 0 {
		t.Errorf("packets emitted after 10ms = %v of playhead, want 0", got)
	}
	if err := c.Send(context.Background(), half); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, want := c.outFrame.Next(), 20*time.Millisecond; got != want {
		t.Errorf("playhead after 20ms = %v, want %v", got, want)
	}
}

func TestReady_ClosedOnceConnected(t *testing.T) {
	peer, offer := newPeer(t)
	c, answer, err := Answer(context.Background(), offer, testCfg)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	select {
	case <-c.Ready():
		t.Fatal("Ready closed before the peer applied the answer")
	default:
	}

	if err := peer.SetRemoteDescription(*answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	select {
	case <-c.Ready():
	case <-time.After(10 * time.Second):
		t.Fatalf("Ready not closed, peer state %s", peer.ConnectionState())
	}
}

func TestClaimTrack_FirstAudioOnly(t *testing.T) {
	c, _, err := Answer(context.Background(), newOffer(t), testCfg)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	tests := []struct {
		kind pion.RTPCodecType
		want bool
	}{
		{pion.RTPCodecTypeVideo, false},
		{pion.RTPCodecTypeAudio, true},
		{pion.RTPCodecTypeAudio, false},
	}
	for i, tt := range tests {
		if got := c.claimTrack(tt.kind); got != tt.want {
			t.Errorf("claim %d (%s) = %v, want %v", i, tt.kind, got, tt.want)
		}
	}
}
