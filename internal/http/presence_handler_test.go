package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wisefido-presence/internal/calibration"
	"wisefido-presence/internal/identity"
	"wisefido-presence/internal/models"
	"wisefido-presence/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeService struct {
	startErr error
	started  []string
	status   models.CalibrationStatus
	devices  []models.PresenceState
	sats     []tracker.SatelliteView
}

func (f *fakeService) StartCalibration(ctx context.Context, satelliteID, rawIdentity string, kind models.IdentityKind) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, satelliteID+"|"+rawIdentity+"|"+string(kind))
	return "session-1", nil
}

func (f *fakeService) CalibrationStatus(satelliteID string) models.CalibrationStatus {
	st := f.status
	st.SatelliteID = satelliteID
	return st
}

func (f *fakeService) Devices(ctx context.Context) ([]models.PresenceState, error) {
	return f.devices, nil
}

func (f *fakeService) Satellites() []tracker.SatelliteView { return f.sats }

func (f *fakeService) Beacons() []tracker.BeaconSighting { return nil }

func newTestRouter(svc PresenceService, ready func() bool) *Router {
	r := NewRouter(zap.NewNop())
	r.RegisterPresenceRoutes(NewPresenceHandler(svc, ready, zap.NewNop()))
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Result[json.RawMessage] {
	t.Helper()
	var res Result[json.RawMessage]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestStartCalibration(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/presence/api/v1/calibration/kitchen-1",
		strings.NewReader(`{"identity": "AA:BB:CC:DD:EE:FF", "kind": "mac"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.Equal(t, ResultSuccess, res.Code)
	assert.Contains(t, string(res.Result), `"session_id":"session-1"`)
	assert.Equal(t, []string{"kitchen-1|AA:BB:CC:DD:EE:FF|mac"}, svc.started)
}

func TestStartCalibration_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
	}{
		{"in progress", calibration.ErrAlreadyInProgress, `{"identity": "aa:bb:cc:dd:ee:ff"}`, http.StatusConflict},
		{"unknown satellite", fmt.Errorf("%w: ghost", calibration.ErrUnknownSatellite), `{"identity": "aa:bb:cc:dd:ee:ff"}`, http.StatusNotFound},
		{"malformed identity", fmt.Errorf("%w: xyz", identity.ErrMalformedIdentity), `{"identity": "xyz"}`, http.StatusBadRequest},
		{"missing identity", nil, `{}`, http.StatusBadRequest},
		{"invalid body", nil, `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{startErr: tc.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/presence/api/v1/calibration/kitchen-1", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, ResultError, decode(t, rec).Code)
		})
	}
}

func TestGetCalibration(t *testing.T) {
	ref := -59.0
	svc := &fakeService{status: models.CalibrationStatus{State: models.CalibrationComputed, ReferenceRSSI: &ref, Samples: 12}}
	r := newTestRouter(svc, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/api/v1/calibration/kitchen-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var res Result[models.CalibrationStatus]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "kitchen-1", res.Result.SatelliteID)
	assert.Equal(t, models.CalibrationComputed, res.Result.State)
	require.NotNil(t, res.Result.ReferenceRSSI)
	assert.Equal(t, -59.0, *res.Result.ReferenceRSSI)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/presence/api/v1/calibration/kitchen-1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/api/v1/calibration/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDevicesAndSatellites(t *testing.T) {
	svc := &fakeService{
		devices: []models.PresenceState{
			{DeviceID: "aa:bb:cc:dd:ee:ff", Alias: "Phone", Status: models.StatusHome, Room: "Kitchen"},
		},
		sats: []tracker.SatelliteView{
			{Satellite: models.Satellite{ID: "kitchen-1", Room: "Kitchen"}},
		},
	}
	r := newTestRouter(svc, nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/api/v1/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"room":"Kitchen"`)
	assert.Contains(t, body, `"total":1`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/presence/api/v1/satellites", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kitchen-1`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/presence/api/v1/devices", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	connected := false
	r := newTestRouter(&fakeService{}, func() bool { return connected })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	connected = true
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
