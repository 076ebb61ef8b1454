package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"blueroots.org/internal/events"
	"blueroots.org/internal/incidents"
)

func (a *API) CreateAlert(w http.ResponseWriter, r *http.Request) {
	issuer, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req incidents.AlertInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	alert, err := a.incidents.CreateAlert(r.Context(), issuer.ID, req)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "alert issued", alert)
}

func (a *API) ListAlerts(w http.ResponseWriter, r *http.Request) {
	var f incidents.AlertFilter
	if v := r.URL.Query().Get("severity"); v != "" {
		sv, ok := incidents.ParseSeverity(v)
		if !ok {
			a.respondError(w, r, badRequest("unknown severity %q", v))
			return
		}
		f.Severity = sv
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	f.Limit = limit

	alerts, err := a.incidents.ListAlerts(r.Context(), f)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "alerts", alerts)
}

// StreamAlerts handles Server-Sent Events for newly issued alerts.
func (a *API) StreamAlerts(w http.ResponseWriter, r *http.Request) {
	if a.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut long-lived streams.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.feed.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = fmt.Fprint(w, ": stream started\n\n")
	_ = rc.Flush()

	heartbeat := time.NewTicker(a.opts.StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.AlertCreated {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				a.log.Warn("encode stream event", zap.String("event_id", evt.ID), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
