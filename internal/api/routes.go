package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/petervdpas/tether/internal/callsig"
	"github.com/petervdpas/tether/internal/pairing"
	"github.com/petervdpas/tether/internal/proto"
)

func (s *Server) register(mux *http.ServeMux) {
	d := s.deps

	// GET /api/status — one-shot snapshot of every observable stream.
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		sess := d.Pairing.Session()
		out := map[string]any{
			"pairing":    d.Pairing.State(),
			"userId":     sess.UserID,
			"deviceId":   sess.DeviceID,
			"connection": d.Transport.State(),
			"tasks":      d.Scheduler.Status(),
		}
		if call, ok := d.Calls.Current(); ok {
			out["call"] = call
		}
		if kx, ok := d.Pairing.LastKeyExchange(); ok {
			out["keyExchange"] = kx
		}
		writeJSON(w, out)
	})

	// GET /api/events — SSE stream merging pairing, call and connection
	// state changes for the UI.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		pairCh, cancelPair := d.Pairing.SubscribeState()
		defer cancelPair()
		callCh, cancelCall := d.Calls.Subscribe()
		defer cancelCall()
		connCh, cancelConn := d.Transport.SubscribeState()
		defer cancelConn()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		emit := func(event string, v any) {
			data, err := json.Marshal(v)
			if err != nil {
				log.Printf("API: SSE marshal error: %v", err)
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			flusher.Flush()
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-pairCh:
				if !ok {
					return
				}
				emit("pairing", map[string]any{"state": st})
			case call, ok := <-callCh:
				if !ok {
					return
				}
				emit("call", call)
			case st, ok := <-connCh:
				if !ok {
					return
				}
				emit("connection", map[string]any{"state": st})
			}
		}
	})

	// POST /api/pair
	handlePost(mux, "/api/pair", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		if err := d.Pairing.Pair(ctx, req.UserID); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, pairing.ErrAlreadyPaired) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]string{"status": "paired"})
	})

	// POST /api/unpair
	handlePost(mux, "/api/unpair", func(w http.ResponseWriter, r *http.Request, req struct {
		ClearCache bool `json:"clear_cache"`
	}) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := d.Pairing.Unpair(ctx, req.ClearCache); err != nil {
			if errors.Is(err, pairing.ErrNotPaired) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "unpaired"})
	})

	// POST /api/keyexchange — kick a key exchange; reports the outcome but
	// never the material itself.
	handlePost(mux, "/api/keyexchange", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()
		if _, err := d.Pairing.RequestKeyExchange(ctx); err != nil {
			if errors.Is(err, pairing.ErrKeyExchangeTimeout) {
				// Not a hard failure: the exchange retries on next start.
				writeJSON(w, map[string]string{"status": "will retry automatically"})
				return
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "fulfilled"})
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer      proto.CallPeer `json:"peer"`
		WithVideo bool           `json:"with_video"`
	}) {
		if req.Peer.ID == "" {
			http.Error(w, "missing peer.id", http.StatusBadRequest)
			return
		}
		sess, err := d.Calls.StartCall(r.Context(), req.Peer, req.WithVideo)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess)
	})

	// POST /api/call/answer
	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct {
		WithVideo bool `json:"with_video"`
	}) {
		sess, err := d.Calls.Answer(r.Context(), req.WithVideo)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, sess)
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.Reject(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.End(r.Context()); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// POST /api/phone/find — ring or stop the paired phone.
	handlePost(mux, "/api/phone/find", func(w http.ResponseWriter, r *http.Request, req struct {
		Action string `json:"action"`
	}) {
		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()
		if err := d.Relay.FindPhone(ctx, req.Action); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/debug/events — recent delivery events, debug builds only.
	if d.Debug && d.Recent != nil {
		handleGet(mux, "/api/debug/events", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{
				"count":  d.Recent.Len(),
				"events": d.Recent.Snapshot(),
			})
		})
	}
}

func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, callsig.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, callsig.ErrNoActiveCall), errors.Is(err, callsig.ErrBadState):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
