package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// opusRates are the sample rates libopus accepts.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// WebRTCHandler answers SDP offers with an Opus track carrying the live mix,
// so a browser can monitor the engine with low latency.
type WebRTCHandler struct {
	broadcaster *Broadcaster
	sampleRate  int
	bitrate     int
	log         *zap.Logger

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

func NewWebRTCHandler(b *Broadcaster, sampleRate int, log *zap.Logger) (*WebRTCHandler, error) {
	if !opusRates[sampleRate] {
		return nil, fmt.Errorf("opus does not support %d Hz", sampleRate)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebRTCHandler{
		broadcaster: b,
		sampleRate:  sampleRate,
		bitrate:     128000,
		log:         log.Named("webrtc"),
	}, nil
}

func (h *WebRTCHandler) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: Channels},
		"audio",
		"beatmix",
	)
	if err != nil {
		pc.Close()
		http.Error(w, "create audio track failed", http.StatusInternalServerError)
		return
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		http.Error(w, "add track failed", http.StatusInternalServerError)
		return
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		http.Error(w, "set remote description failed", http.StatusBadRequest)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		http.Error(w, "create answer failed", http.StatusInternalServerError)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		http.Error(w, "set local description failed", http.StatusInternalServerError)
		return
	}
	select {
	case <-gatherComplete:
	case <-r.Context().Done():
		pc.Close()
		return
	}

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()
	h.log.Info("peer connected", zap.Int("peers", h.PeerCount()))

	listener := h.broadcaster.Subscribe()
	go h.streamToPeer(listener, track)

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			h.broadcaster.Unsubscribe(listener)
			if h.removePeer(pc) {
				pc.Close()
				h.log.Info("peer disconnected", zap.Int("peers", h.PeerCount()))
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

func (h *WebRTCHandler) streamToPeer(listener *Listener, track *webrtc.TrackLocalStaticSample) {
	defer h.broadcaster.Unsubscribe(listener)

	enc, err := opus.NewEncoder(h.sampleRate, Channels, opus.AppAudio)
	if err != nil {
		h.log.Error("opus encoder", zap.Error(err))
		return
	}
	if err := enc.SetBitrate(h.bitrate); err != nil {
		h.log.Warn("opus bitrate", zap.Error(err))
	}
	opusBuf := make([]byte, 4000)
	var last uint64
	for {
		select {
		case <-listener.Done():
			h.log.Debug("peer stream ended", zap.Uint64("dropped", listener.Dropped()))
			return
		case frame := <-listener.C:
			if last != 0 && frame.Seq != last+1 {
				h.log.Debug("peer fell behind", zap.Uint64("missed", frame.Seq-last-1))
			}
			last = frame.Seq
			n, err := enc.Encode(frame.PCM, opusBuf)
			if err != nil {
				h.log.Warn("opus encode", zap.Error(err))
				continue
			}
			if err := track.WriteSample(media.Sample{Data: opusBuf[:n], Duration: FrameDuration}); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}

// Close hangs up every peer.
func (h *WebRTCHandler) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
