package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wisefido-presence/internal/calibration"
	"wisefido-presence/internal/identity"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/tracker"

	"go.uber.org/zap"
)

// PresenceService 引擎对外接口（tracker.Tracker 实现）
type PresenceService interface {
	StartCalibration(ctx context.Context, satelliteID, rawIdentity string, kind models.IdentityKind) (string, error)
	CalibrationStatus(satelliteID string) models.CalibrationStatus
	Devices(ctx context.Context) ([]models.PresenceState, error)
	Satellites() []tracker.SatelliteView
	Beacons() []tracker.BeaconSighting
}

// PresenceHandler 校准和状态查询
type PresenceHandler struct {
	svc    PresenceService
	ready  func() bool
	logger *zap.Logger
}

// NewPresenceHandler ready 为 nil 时 /healthz 总是返回 ok
func NewPresenceHandler(svc PresenceService, ready func() bool, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{svc: svc, ready: ready, logger: logger}
}

type startCalibrationRequest struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
}

// StartCalibration POST /presence/api/v1/calibration/{satellite_id}
func (h *PresenceHandler) StartCalibration(w http.ResponseWriter, r *http.Request, satelliteID string) {
	var req startCalibrationRequest
	if err := readBodyJSON(r, 4096, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, Fail("identity is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessionID, err := h.svc.StartCalibration(ctx, satelliteID, req.Identity, models.IdentityKind(req.Kind))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, calibration.ErrAlreadyInProgress):
			status = http.StatusConflict
		case errors.Is(err, calibration.ErrUnknownSatellite):
			status = http.StatusNotFound
		case errors.Is(err, identity.ErrMalformedIdentity):
			status = http.StatusBadRequest
		}
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to start calibration", zap.String("satellite_id", satelliteID), zap.Error(err))
		}
		writeJSON(w, status, Fail(err.Error()))
		return
	}

	h.logger.Info("Calibration started",
		zap.String("satellite_id", satelliteID),
		zap.String("identity", req.Identity),
		zap.String("session_id", sessionID),
	)
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"session_id":   sessionID,
		"satellite_id": satelliteID,
	}))
}

// GetCalibration GET /presence/api/v1/calibration/{satellite_id}
func (h *PresenceHandler) GetCalibration(w http.ResponseWriter, r *http.Request, satelliteID string) {
	writeJSON(w, http.StatusOK, Ok(h.svc.CalibrationStatus(satelliteID)))
}

// ListDevices GET /presence/api/v1/devices
func (h *PresenceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	devices, err := h.svc.Devices(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": devices,
		"total": len(devices),
	}))
}

// ListSatellites GET /presence/api/v1/satellites
func (h *PresenceHandler) ListSatellites(w http.ResponseWriter, r *http.Request) {
	sats := h.svc.Satellites()
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": sats,
		"total": len(sats),
	}))
}

// ListBeacons GET /presence/api/v1/beacons
func (h *PresenceHandler) ListBeacons(w http.ResponseWriter, r *http.Request) {
	beacons := h.svc.Beacons()
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": beacons,
		"total": len(beacons),
	}))
}

// Health GET /healthz
func (h *PresenceHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, Fail("mqtt disconnected"))
		return
	}
	writeJSON(w, http.StatusOK, Ok("ok"))
}
