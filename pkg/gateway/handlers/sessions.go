package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge/voicebridge/pkg/engine/registry"
	"github.com/voicebridge/voicebridge/pkg/gateway/apierror"
	"github.com/voicebridge/voicebridge/pkg/gateway/mw"
)

// ListSessions returns every session the registry knows about.
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	records, err := h.eng.Registry().List(r.Context())
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	if records == nil {
		records = []registry.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

// GetSession returns one session record by ID.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	rec, err := h.eng.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// EndSession hangs up a live session. Ending an already-ended session is a
// 404, matching what the registry reports.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")
	sess, ok := h.eng.Session(id)
	if !ok {
		rec, err := h.eng.Registry().Get(r.Context(), id)
		if err != nil {
			apierror.Write(w, err, reqID)
			return
		}
		// Already torn down; report the final record.
		writeJSON(w, http.StatusOK, rec)
		return
	}
	sess.End("api_request")
	select {
	case <-sess.Done():
	case <-r.Context().Done():
	}
	writeJSON(w, http.StatusOK, sess.Record())
}

// ProviderHealth exposes the health registry's snapshot.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": h.eng.Health().SnapshotAll()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
