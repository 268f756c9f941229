package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/inventory"
	"github.com/nerrad567/devicelease/internal/lease"
)

// deviceView is a catalog record plus who holds it through this
// coordinator, if anyone.
type deviceView struct {
	*device.Record
	LeasedBy string `json:"leased_by,omitempty"`
	LeaseID  string `json:"lease_id,omitempty"`
}

func (s *Server) view(rec *device.Record, admin bool, caller string) deviceView {
	v := deviceView{Record: rec}
	if l, ok := s.leases.LeaseForDevice(rec.MAC); ok {
		v.LeasedBy = l.Holder
		if admin || l.Holder == caller {
			v.LeaseID = l.ID
		}
	}
	return v
}

// criteriaFromQuery builds selection criteria from query parameters:
// model, category, group (repeatable), group_match, accessible, exclude.
func criteriaFromQuery(r *http.Request) (device.Criteria, error) {
	q := r.URL.Query()
	c := device.Criteria{
		Model:      q.Get("model"),
		Category:   q.Get("category"),
		Groups:     q["group"],
		GroupMatch: device.GroupMatch(q.Get("group_match")),
		Exclude:    q["exclude"],
	}
	if v := q.Get("accessible"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, errors.New("accessible must be true or false")
		}
		c.Accessible = &b
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// handleListDevices returns catalog devices matching the query filters.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	criteria, err := criteriaFromQuery(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	claims := claimsFrom(r.Context())
	records := device.Select(s.catalog.Snapshot(), criteria, nil)
	devices := make([]deviceView, 0, len(records))
	for _, rec := range records {
		devices = append(devices, s.view(rec, claims.IsAdmin(), claims.Holder()))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":      devices,
		"count":        len(devices),
		"refreshed_at": s.catalog.RefreshedAt(),
	})
}

// macParam normalises the {mac} URL parameter, writing 400 on failure.
func macParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	mac, err := device.NormaliseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return "", false
	}
	return mac, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	rec, err := s.catalog.Get(mac)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not in catalog")
			return
		}
		writeInternalError(w, "failed to load device")
		return
	}
	claims := claimsFrom(r.Context())
	writeJSON(w, http.StatusOK, s.view(rec, claims.IsAdmin(), claims.Holder()))
}

// handleDeviceStatus asks the inventory who holds a device right now.
// A failed query reports state "unknown", never "available".
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	mac, ok := macParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.leases.Status(r.Context(), mac))
}

// handleDeviceProperties returns named device properties from the
// inventory. Repeat ?name= to select several.
func (s *Server) handleDeviceProperties(w http.ResponseWriter, r *http.Request) {
	if s.details == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device details not configured")
		return
	}
	mac, ok := macParam(w, r)
	if !ok {
		return
	}

	var names []string
	for _, n := range r.URL.Query()["name"] {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		writeBadRequest(w, "at least one name parameter is required")
		return
	}

	props, err := s.details.DeviceProperties(r.Context(), mac, names)
	if err != nil {
		s.writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mac":        mac,
		"properties": props,
	})
}

// handleReconcileDevice reconciles one device against the inventory now
// instead of waiting for the next monitor pass. Admin only.
func (s *Server) handleReconcileDevice(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "monitor not running")
		return
	}
	mac, ok := macParam(w, r)
	if !ok {
		return
	}

	obs := s.monitor.ReconcileDevice(r.Context(), mac)
	resp := map[string]any{"observation": obs}
	if l, ok := s.leases.LeaseForDevice(mac); ok {
		resp["lease"] = l
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefreshCatalog reloads every catalog device from the inventory.
// Admin only.
func (s *Server) handleRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Refresh(r.Context()); err != nil {
		s.logger.Warn("manual catalog refresh failed", "error", err)
		s.writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":      s.catalog.Len(),
		"refreshed_at": s.catalog.RefreshedAt(),
	})
}

// handleGetAccount returns a home account and its devices.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if s.details == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device details not configured")
		return
	}
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		writeBadRequest(w, "account number is required")
		return
	}

	acct, err := s.details.Account(r.Context(), number)
	if err != nil {
		s.writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// writeInventoryError maps a raw inventory failure to an HTTP status.
func (s *Server) writeInventoryError(w http.ResponseWriter, err error) {
	switch inventory.Classify(err) {
	case inventory.ClassNotFound:
		writeNotFound(w, "not found in inventory")
	case inventory.ClassTransient:
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, Error{
			Status:  http.StatusServiceUnavailable,
			Code:    lease.CodeTransientNetworkFailure.String(),
			ID:      lease.CodeTransientNetworkFailure.ID(),
			Message: lease.Message(lease.CodeTransientNetworkFailure),
			Detail:  err.Error(),
		})
	default:
		writeJSON(w, http.StatusBadGateway, Error{
			Status:  http.StatusBadGateway,
			Code:    lease.CodeFatalConfiguration.String(),
			ID:      lease.CodeFatalConfiguration.ID(),
			Message: lease.Message(lease.CodeFatalConfiguration),
			Detail:  err.Error(),
		})
	}
}
