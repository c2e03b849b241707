package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleEvents streams RBAC changes as Server-Sent Events until the client
// goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "change feed disabled")
		return
	}
	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut the feed
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	for change := range ch {
		payload, err := json.Marshal(change)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", change.Event, payload); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
