package webrtc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/MrWong99/parley/pkg/transport"
)

// gatherTimeout bounds ICE gathering before the answer is returned.
const gatherTimeout = 10 * time.Second

// maxOfferBytes caps the size of an offer request body.
const maxOfferBytes = 64 << 10

// offerResponse is returned on success.
type offerResponse struct {
	SessionID string                  `json:"session_id"`
	Answer    pion.SessionDescription `json:"answer"`
}

// Handler returns the signalling handler. It expects a POST with the SDP
// offer as JSON, answers it, and hands the new connection to accept.
//
// Responses:
//
//	201 Created          {"session_id": "...", "answer": {"type":"answer","sdp":"..."}}
//	400 Bad Request      malformed or non-offer body
//	503 Service Unavailable  accept refused the connection
func Handler(cfg Config, accept transport.AcceptFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var offer pion.SessionDescription
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&offer); err != nil {
			http.Error(w, "invalid offer body", http.StatusBadRequest)
			return
		}
		if offer.Type != pion.SDPTypeOffer || offer.SDP == "" {
			http.Error(w, "body must be an sdp offer", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), gatherTimeout)
		defer cancel()
		c, answer, err := Answer(ctx, offer, cfg)
		if err != nil {
			slog.Warn("webrtc negotiation failed", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "negotiation failed: "+err.Error(), http.StatusBadRequest)
			return
		}

		log := slog.With("session_id", c.ID(), "remote_addr", r.RemoteAddr)
		if err := accept(context.WithoutCancel(r.Context()), c); err != nil {
			log.Warn("connection refused", "error", err)
			_ = c.Close()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		log.Info("webrtc connected")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(offerResponse{SessionID: c.ID(), Answer: *answer})
	})
}
