package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/devicelease/internal/audit"
	"github.com/nerrad567/devicelease/internal/device"
)

// handleListEvents pages through the lease event journal.
//
// Query parameters: type, mac, holder, lease_id, since (RFC 3339), limit,
// offset. Non-admin callers only see their own events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event journal not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType: q.Get("type"),
		Holder:    q.Get("holder"),
		LeaseID:   q.Get("lease_id"),
	}
	if v := q.Get("mac"); v != "" {
		mac, err := device.NormaliseMAC(v)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filter.DeviceMAC = mac
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	if claims := claimsFrom(r.Context()); !claims.IsAdmin() {
		filter.Holder = claims.Holder()
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing lease events failed", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
