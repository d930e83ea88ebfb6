package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/homesync-core/internal/auth"
	"github.com/nerrad567/homesync-core/internal/command"
	"github.com/nerrad567/homesync-core/internal/device"
)

// commandRequest is the request body for POST /devices/{id}/commands.
type commandRequest struct {
	Command string          `json:"command"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// handleListDevices returns the devices the caller may see.
//
// Query parameters:
//   - type: filter by device type (light, thermostat, ...)
//   - status: filter by status (on, off, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	typ := device.Type(r.URL.Query().Get("type"))
	status := device.Status(r.URL.Query().Get("status"))

	devices := make([]device.Device, 0)
	for _, dev := range s.registry.Snapshot(identity) {
		if typ != "" && dev.Type != typ {
			continue
		}
		if status != "" && dev.Status != status {
			continue
		}
		devices = append(devices, dev)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	dev, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil || !identity.CanSee(dev.UserID) {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleCreateDevice provisions a new device. Plain users always provision
// for themselves; admins may name another owner in userId.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	var dev device.Device
	if err := json.NewDecoder(r.Body).Decode(&dev); err != nil {
		if errors.Is(err, device.ErrInvalidDevice) || errors.Is(err, device.ErrFieldNotApplicable) ||
			errors.Is(err, device.ErrValueOutOfRange) || errors.Is(err, device.ErrInvalidColor) {
			writeBadRequest(w, err.Error())
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if dev.ID == "" {
		dev.ID = "dev-" + uuid.NewString()[:8]
	}
	if dev.UserID == "" || !identity.Can(auth.PermUserManage) {
		dev.UserID = identity.UserID
	}
	dev.Sequence = 0

	created, err := s.commands.Provision(r.Context(), dev)
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("device provisioning failed", "device_id", dev.ID, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateDevice changes a device's name or room. State changes go
// through the commands route.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware
	id := chi.URLParam(r, "id")

	var m device.Metadata
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if m.IsEmpty() {
		writeBadRequest(w, "name or roomId is required")
		return
	}

	updated, err := s.commands.Update(r.Context(), id, m, identity)
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("device update failed", "device_id", id, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteDevice deprovisions a device by ID.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	if _, err := s.commands.Deprovision(r.Context(), chi.URLParam(r, "id"), identity); err != nil {
		if !isClientError(err) {
			s.logger.Error("device removal failed", "device_id", chi.URLParam(r, "id"), "error", err)
		}
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns counts by type and status over the devices the
// caller may see.
func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware

	devices := s.registry.Snapshot(identity)
	stats := device.Stats{
		Total:    len(devices),
		ByType:   make(map[device.Type]int),
		ByStatus: make(map[device.Status]int),
	}
	for _, dev := range devices {
		stats.ByType[dev.Type]++
		stats.ByStatus[dev.Status]++
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDeviceCommand runs a command on a device and returns the resulting
// state. The change reaches WebSocket sessions like any other.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeBadRequest(w, "command is required")
		return
	}
	s.runCommand(w, r, req)
}

// handleToggleDevice flips a device on or off. An optional body of
// {"value": "on"|"off"|true|false} sets the state instead.
func (s *Server) handleToggleDevice(w http.ResponseWriter, r *http.Request) {
	req := commandRequest{Command: command.Toggle}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Command = command.Toggle
	s.runCommand(w, r, req)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, req commandRequest) {
	identity, _ := identityFrom(r.Context()) //nolint:errcheck // route is behind authMiddleware
	id := chi.URLParam(r, "id")

	dev, err := s.commands.Handle(r.Context(), command.Envelope{
		DeviceID: id,
		Command:  req.Command,
		Value:    req.Value,
		UserID:   identity.UserID,
		Viewer:   identity,
	})
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("device command failed", "device_id", id, "command", req.Command, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// isClientError reports whether err is caused by the request rather than
// the server.
func isClientError(err error) bool {
	for _, target := range []error{
		device.ErrDeviceNotFound,
		device.ErrDeviceExists,
		device.ErrInvalidDevice,
		device.ErrFieldNotApplicable,
		device.ErrValueOutOfRange,
		device.ErrInvalidColor,
		command.ErrInvalidCommand,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
