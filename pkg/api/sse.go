package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-gw/aegis/pkg/bus"
)

const keepAliveInterval = 15 * time.Second

// parseFilter reads the decision filter from query parameters.
func parseFilter(r *http.Request) bus.Filter {
	q := r.URL.Query()
	f := bus.Filter{
		Tenant:    q.Get("tenant"),
		Bot:       q.Get("bot"),
		Family:    q.Get("family"),
		Mode:      q.Get("mode"),
		RuleID:    q.Get("rule_id"),
		RequestID: q.Get("request_id"),
		Sort:      q.Get("sort"),
	}
	if v := q.Get("from_ts"); v != "" {
		f.FromTs, _ = strconv.ParseFloat(v, 64)
	}
	if v := q.Get("to_ts"); v != "" {
		f.ToTs, _ = strconv.ParseFloat(v, 64)
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	return f
}

// handleDecisionStream serves the live decision feed over SSE: the
// filtered history first as "init" events, then live events, with a
// keep-alive comment roughly every 15 seconds.
func (s *Server) handleDecisionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	filter := parseFilter(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, evt := range s.bus.Recent(filter) {
		writeSSE(w, "init", evt)
	}
	flusher.Flush()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			if !filter.Matches(evt) {
				continue
			}
			writeSSE(w, "", evt)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
