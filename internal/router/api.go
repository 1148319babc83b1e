package router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/enginegate/host/internal/auth"
	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/registry"
)

// Handler returns the router's full HTTP surface: the routed prefix, the
// local management API under <base>/api/instances and <base>/metrics.
func (rt *Router) Handler() http.Handler {
	base := strings.TrimSuffix(rt.cfg.BasePath, "/")
	mux := http.NewServeMux()
	mux.Handle(rt.root, rt)
	mux.Handle(rt.root+"/", rt)
	mux.Handle(base+"/api/instances", localOnly(http.HandlerFunc(rt.handleInstances)))
	if rt.metrics != nil {
		mux.Handle(base+"/metrics", localOnly(rt.metrics.Handler()))
	}
	mux.HandleFunc(base+"/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "instances": rt.reg.Len()})
	})
	return mux
}

func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsLoopbackRequest(r) {
			http.Error(w, "Forbidden: management endpoints are local-only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instanceView is a record as the management API shows it: without secrets.
type instanceView struct {
	InstanceKey string        `json:"instance_key"`
	ContextID   string        `json:"context_id"`
	ID          string        `json:"id"`
	Kind        registry.Kind `json:"kind"`
	PID         int           `json:"pid"`
	ParentPID   int           `json:"parent_pid"`
	URL         string        `json:"url"`
	Refs        int           `json:"refs"`
	Alive       *bool         `json:"alive,omitempty"`
}

func (rt *Router) view(rec registry.Record) instanceView {
	return instanceView{
		InstanceKey: rec.InstanceKey,
		ContextID:   rec.ContextID,
		ID:          rec.ID,
		Kind:        rec.Kind,
		PID:         rec.PID,
		ParentPID:   rec.ParentPID,
		URL:         rec.AbsoluteURL,
		Refs:        rt.reg.RefCount(rec.InstanceKey),
	}
}

func (rt *Router) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs, err := rt.reg.List(r.URL.Query().Get("context"))
		if err != nil {
			egerrors.WriteJSON(w, egerrors.Wrap(egerrors.CodeRegistryIO, "list instances", err))
			return
		}
		probe := r.URL.Query().Get("probe") == "1"
		out := make([]instanceView, 0, len(recs))
		for _, rec := range recs {
			v := rt.view(rec)
			if probe {
				alive := rt.Alive(r.Context(), rec)
				v.Alive = &alive
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"instances": out})

	case http.MethodPost:
		var req StartRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			egerrors.WriteJSON(w, egerrors.InvalidRequest("body must be a JSON start request"))
			return
		}
		rec, err := rt.StartOrAttach(r.Context(), req)
		if err != nil {
			egerrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rt.view(rec))

	case http.MethodDelete:
		q := r.URL.Query()
		contextID, callerID, key := q.Get("context"), q.Get("caller"), q.Get("key")
		if contextID == "" || key == "" {
			egerrors.WriteJSON(w, egerrors.InvalidRequest("context and key are required"))
			return
		}
		last, err := rt.Release(r.Context(), contextID, callerID, key)
		if err != nil {
			egerrors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": true, "last": last})

	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
