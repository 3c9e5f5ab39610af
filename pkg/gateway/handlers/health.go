package handlers

import "net/http"

// Healthz is liveness: the process is up.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is readiness. A degraded session store does not fail readiness; the
// engine keeps serving from memory. The response says so for operators.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "store_degraded": false}
	if h.eng.Registry().Degraded() {
		body["store_degraded"] = true
	}
	writeJSON(w, http.StatusOK, body)
}
