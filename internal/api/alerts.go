package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/infrastructure/eventlog"
	"github.com/nerrad567/homesync-core/internal/protocol"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// handleListAlerts returns recent alerts and delivery failures the caller
// may see, newest first.
//
// Query parameters:
//   - limit: maximum entries to return (default 50, max 500)
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlertLimit)
	}

	entries := make([]eventlog.Entry, 0)
	if s.events != nil {
		recent, err := s.events.Recent(r.Context(), maxAlertLimit)
		if err != nil {
			s.logger.Error("reading event log failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "event log unavailable")
			return
		}
		for _, e := range recent {
			if len(entries) == limit {
				break
			}
			if s.entryVisible(identity, e) {
				entries = append(entries, e)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"alerts": entries, "count": len(entries)})
}

// entryVisible reports whether identity may read e. Alerts carry their
// owner; delivery failures are attributed through the device, and failures
// for devices that no longer exist are shown to account managers only.
func (s *Server) entryVisible(identity auth.Identity, e eventlog.Entry) bool {
	switch e.Kind {
	case eventlog.KindAlert:
		var a protocol.Alert
		if err := json.Unmarshal(e.Data, &a); err != nil {
			return false
		}
		return identity.CanSee(a.UserID)
	case eventlog.KindDeliveryFailure:
		var f protocol.DeliveryFailure
		if err := json.Unmarshal(e.Data, &f); err != nil {
			return false
		}
		dev, err := s.registry.Get(f.DeviceID)
		if err != nil {
			return identity.Can(auth.PermUserManage)
		}
		return identity.CanSee(dev.UserID)
	}
	return false
}
