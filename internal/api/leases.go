package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/lease"
)

// acquireRequest is the body of POST /leases. Holder is taken from the
// token; only admins may acquire on behalf of someone else.
type acquireRequest struct {
	Criteria        device.Criteria `json:"criteria"`
	DurationMinutes int             `json:"duration_minutes"`
	KeepAlive       bool            `json:"keep_alive"`
	Holder          string          `json:"holder,omitempty"`
}

type renewRequest struct {
	ExtendMinutes int `json:"extend_minutes"`
}

type keepAliveRequest struct {
	KeepAlive *bool `json:"keep_alive"`
}

// handleAcquireLease selects and locks one device matching the criteria.
func (s *Server) handleAcquireLease(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	holder := claims.Holder()
	if h := strings.TrimSpace(req.Holder); h != "" && h != holder {
		if !claims.IsAdmin() {
			writeForbidden(w, "cannot acquire on behalf of another holder")
			return
		}
		holder = h
	}

	l, err := s.leases.Acquire(r.Context(), lease.Request{
		Holder:          holder,
		Criteria:        req.Criteria,
		DurationMinutes: req.DurationMinutes,
		KeepAlive:       req.KeepAlive,
	})
	if err != nil {
		s.logger.Debug("acquire failed", "holder", holder, "error", err)
		writeLeaseError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, l)
}

// handleListLeases returns the caller's active leases. Admins see every
// lease, optionally filtered by ?holder=.
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	holder := claims.Holder()
	if claims.IsAdmin() {
		holder = r.URL.Query().Get("holder")
	}

	all := s.leases.Leases()
	leases := make([]lease.Lease, 0, len(all))
	for _, l := range all {
		if holder == "" || l.Holder == holder {
			leases = append(leases, l)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leases": leases,
		"count":  len(leases),
	})
}

// ownedLease loads the lease named in the URL and checks the caller may act
// on it. It writes the error response and returns false otherwise.
func (s *Server) ownedLease(w http.ResponseWriter, r *http.Request) (lease.Lease, bool) {
	id := chi.URLParam(r, "id")
	l, err := s.leases.Get(id)
	if err != nil {
		writeLeaseError(w, err)
		return lease.Lease{}, false
	}

	if !mayActOn(r, l) {
		writeForbidden(w, "lease is held by another holder")
		return lease.Lease{}, false
	}
	return l, true
}

// mayActOn reports whether the caller owns l or is an admin.
func mayActOn(r *http.Request, l lease.Lease) bool {
	claims := claimsFrom(r.Context())
	return l.Holder == claims.Holder() || claims.IsAdmin()
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	l, ok := s.ownedLease(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleRenewLease extends a lease by extend_minutes.
func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	l, ok := s.ownedLease(w, r)
	if !ok {
		return
	}

	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.ExtendMinutes <= 0 {
		writeBadRequest(w, "extend_minutes must be positive")
		return
	}

	renewed, err := s.leases.Renew(r.Context(), l, req.ExtendMinutes)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renewed)
}

// handleHeartbeat records that the holder is still using the device.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	l, ok := s.ownedLease(w, r)
	if !ok {
		return
	}
	touched, err := s.leases.Touch(l.ID)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, touched)
}

// handleSetKeepAlive turns monitor-driven renewal on or off.
func (s *Server) handleSetKeepAlive(w http.ResponseWriter, r *http.Request) {
	l, ok := s.ownedLease(w, r)
	if !ok {
		return
	}

	var req keepAliveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.KeepAlive == nil {
		writeBadRequest(w, "keep_alive is required")
		return
	}

	updated, err := s.leases.SetKeepAlive(l.ID, *req.KeepAlive)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleReleaseLease gives the device back to the inventory. Releasing a
// lease that already ended, by any path, succeeds and reports how it ended.
func (s *Server) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	if ended, ok := s.leases.Ended(chi.URLParam(r, "id")); ok {
		if !mayActOn(r, ended) {
			writeForbidden(w, "lease is held by another holder")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": ended.ID, "status": ended.Status})
		return
	}

	l, ok := s.ownedLease(w, r)
	if !ok {
		return
	}

	// A lease that ended while the request was in flight releases cleanly.
	if err := s.leases.Release(r.Context(), l); err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": l.ID, "status": lease.StatusReleased})
}
