package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/config"
	"github.com/koios/adb-invocation-server/internal/device"
	"github.com/koios/adb-invocation-server/internal/metrics"
	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// DeviceRunner executes device control commands.
type DeviceRunner interface {
	Screenshot(ctx context.Context, platform models.Platform, dir, name string) (string, error)
	SetPermissions(ctx context.Context, platform models.Platform, bundleID, perms string) error
	SetLocation(ctx context.Context, platform models.Platform, lat, lng float64) error
	OpenDeeplink(ctx context.Context, platform models.Platform, link, packageID string) error
	LaunchApp(ctx context.Context, platform models.Platform, packageID, activity string) error
}

// DeviceHandler handles HTTP requests that drive the attached emulator or simulator
type DeviceHandler struct {
	runner  DeviceRunner
	capture config.CaptureConfig
	logger  *zap.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(runner DeviceRunner, capture config.CaptureConfig, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{runner: runner, capture: capture, logger: logger}
}

// RegisterRoutes registers the device control routes
func (h *DeviceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/screenshot/{platform}", h.handleScreenshot).Methods(http.MethodPost)
	r.HandleFunc("/permissions/{platform}", h.handlePermissions).Methods(http.MethodPost)
	r.HandleFunc("/location/{platform}", h.handleLocation).Methods(http.MethodPost)
	r.HandleFunc("/deeplink/{platform}", h.handleDeeplink).Methods(http.MethodPost)
	r.HandleFunc("/launch-app/{platform}", h.handleLaunchApp).Methods(http.MethodPost)
}

type screenshotRequest struct {
	Locale string `json:"locale"`
	Device string `json:"device"`
	Name   string `json:"name"`
}

type permissionsRequest struct {
	Perms    string `json:"perms"`
	BundleID string `json:"bundleId"`
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type deeplinkRequest struct {
	Link      string `json:"link"`
	PackageID string `json:"packageId"`
}

type launchAppRequest struct {
	PackageID string `json:"packageId"`
	Activity  string `json:"activity"`
}

// handleScreenshot handles POST /screenshot/{platform}
func (h *DeviceHandler) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req screenshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Locale == "" {
		http.Error(w, "locale and name are required", http.StatusBadRequest)
		return
	}
	if err := h.capture.Validate(); err != nil {
		h.logger.Error("Screenshot capture is not configured", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Device == "" {
		req.Device = h.capture.DefaultDevice(platform)
	}
	for _, value := range []string{req.Locale, req.Device, req.Name} {
		if err := naming.CheckSegment(value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	dir := naming.Substitute(h.capture.PathPattern, naming.Values{
		naming.Platform: string(platform),
		naming.Locale:   req.Locale,
		naming.Device:   req.Device,
	})
	path, err := h.runner.Screenshot(r.Context(), platform, dir, req.Name)
	h.respond(w, platform, models.ActionScreenshot, err)
	if err == nil {
		h.logger.Info("Captured screenshot", zap.String("path", path))
	}
}

// handlePermissions handles POST /permissions/{platform}; only ios is supported
func (h *DeviceHandler) handlePermissions(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req permissionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BundleID == "" || req.Perms == "" {
		http.Error(w, "bundleId and perms are required", http.StatusBadRequest)
		return
	}
	err := h.runner.SetPermissions(r.Context(), platform, req.BundleID, req.Perms)
	h.respond(w, platform, models.ActionPermissions, err)
}

// handleLocation handles POST /location/{platform}
func (h *DeviceHandler) handleLocation(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lng == nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	err := h.runner.SetLocation(r.Context(), platform, *req.Lat, *req.Lng)
	h.respond(w, platform, models.ActionLocation, err)
}

// handleDeeplink handles POST /deeplink/{platform}
func (h *DeviceHandler) handleDeeplink(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req deeplinkRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Link == "" {
		http.Error(w, "link is required", http.StatusBadRequest)
		return
	}
	err := h.runner.OpenDeeplink(r.Context(), platform, req.Link, req.PackageID)
	h.respond(w, platform, models.ActionDeeplink, err)
}

// handleLaunchApp handles POST /launch-app/{platform}
func (h *DeviceHandler) handleLaunchApp(w http.ResponseWriter, r *http.Request) {
	platform, ok := h.platform(w, r)
	if !ok {
		return
	}
	var req launchAppRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PackageID == "" {
		http.Error(w, "packageId is required", http.StatusBadRequest)
		return
	}
	err := h.runner.LaunchApp(r.Context(), platform, req.PackageID, req.Activity)
	h.respond(w, platform, models.ActionLaunchApp, err)
}

func (h *DeviceHandler) platform(w http.ResponseWriter, r *http.Request) (models.Platform, bool) {
	platform, err := models.ParsePlatform(mux.Vars(r)["platform"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return platform, true
}

// respond writes an empty 200 or the command error. An action the platform
// has no command for is the caller's mistake.
func (h *DeviceHandler) respond(w http.ResponseWriter, platform models.Platform, action models.Action, err error) {
	result := "success"
	defer func() {
		metrics.DeviceCommandsTotal.WithLabelValues(string(platform), string(action), result).Inc()
	}()

	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, device.ErrUnsupported):
		result = "unsupported"
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, naming.ErrUnsafePath):
		result = "invalid"
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		result = "error"
		h.logger.Error("Device action failed",
			zap.String("platform", string(platform)),
			zap.String("action", string(action)),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}
