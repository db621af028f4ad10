// Package httpapi is the thin HTTP transport over vfs.Service: route
// registration and request/response marshaling only, no business
// logic.
/*
 * A router bound to a backing service, JSON in and out, errors mapped
 * to status codes at the edge rather than threaded through the
 * service layer.
 */
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/cmn/nlog"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/core/nodeid"
	"github.com/knowdisk/vfscore/vfs"
)

// Server wires vfs.Service behind a gorilla/mux router.
type Server struct {
	svc    *vfs.Service
	router *mux.Router
}

// NewServer builds a Server and registers all routes.
func NewServer(svc *vfs.Service) *Server {
	s := &Server{svc: svc, router: mux.NewRouter()}
	s.router.HandleFunc("/mounts", s.handleCreateMount).Methods(http.MethodPost)
	s.router.HandleFunc("/mounts/{mountId}", s.handleUnmount).Methods(http.MethodDelete)
	s.router.HandleFunc("/mounts/{mountId}/reconcile", s.handleTriggerReconcile).Methods(http.MethodPost)
	s.router.HandleFunc("/mounts/{mountId}/children", s.handleWalkMountChildren).Methods(http.MethodGet)
	s.router.HandleFunc("/nodes/{nodeId}/children", s.handleListChildren).Methods(http.MethodGet)
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		nlog.Errorf("httpapi: encode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case cos.IsErrParentNotFound(err), cos.IsErrMountConfigNotFound(err):
		status = http.StatusNotFound
	case cos.IsErrMalformedCursor(err), cos.IsErrConfigInvalid(err),
		cos.IsErrInvalidRange(err), cos.IsErrUnknownProviderType(err):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func (s *Server) handleCreateMount(w http.ResponseWriter, r *http.Request) {
	var input node.MountInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	mount, err := s.svc.Mount(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mount)
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	mountID := mux.Vars(r)["mountId"]
	if err := s.svc.Unmount(r.Context(), mountID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleTriggerReconcile(w http.ResponseWriter, r *http.Request) {
	mountID := mux.Vars(r)["mountId"]
	if err := s.svc.TriggerReconcile(mountID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

type childrenResponse struct {
	Items      []node.Node `json:"items"`
	NextCursor *string     `json:"nextCursor,omitempty"`
	Source     string      `json:"source,omitempty"`
}

// handleWalkMountChildren lists the top-level children of the mount
// named by {mountId} — not the global root level of all mounts. The
// mount's root nodeId is a pure function of mountId (core/nodeid), so
// no repository lookup is needed to resolve the path segment into a
// WalkChildren parent.
func (s *Server) handleWalkMountChildren(w http.ResponseWriter, r *http.Request) {
	mountID := mux.Vars(r)["mountId"]
	rootID := nodeid.CreateNodeId(mountID, "")
	limit, cursorTok := parsePageParams(r)
	res, err := s.svc.WalkChildren(r.Context(), vfs.WalkChildrenArgs{ParentNodeID: &rootID, Limit: limit, Cursor: cursorTok})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, childrenResponse{Items: res.Items, NextCursor: res.NextCursor, Source: res.Source})
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	limit, cursorTok := parsePageParams(r)
	items, next, err := s.svc.ListChildren(r.Context(), nodeID, limit, cursorTok)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, childrenResponse{Items: items, NextCursor: next})
}

// defaultPageLimit is the page size used when a request carries no
// positive "limit" query parameter.
const defaultPageLimit = 200

func parsePageParams(r *http.Request) (limit int, cursorTok *string) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := q.Get("cursor"); v != "" {
		cursorTok = &v
	}
	return limit, cursorTok
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, cos.NewErrConfigInvalid("limit %q is not a non-negative integer", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
