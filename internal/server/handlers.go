package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/config"
	"github.com/aftvgo/aftvserver/internal/driver"
	"github.com/aftvgo/aftvserver/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// writeMappedError translates the session and driver error taxonomy to
// HTTP status codes.
func writeMappedError(w http.ResponseWriter, err error) {
	var vErr command.ValidationError
	var pErr driver.ProtocolError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, session.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, driver.ErrAuthRejected):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, driver.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err)
	case errors.As(err, &pErr):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// pathDevice extracts and validates the device id path segment.
func pathDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	device := r.PathValue("device")
	if !config.ValidDeviceName(device) {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "device_id", Reason: "must match ^[-\\w]+$"})
		return "", false
	}
	return device, true
}

func pathApp(w http.ResponseWriter, r *http.Request) (string, bool) {
	app := r.PathValue("app")
	if !command.ValidAppID(app) {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "app", Reason: "bad application id"})
		return "", false
	}
	return app, true
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, device string, cmd command.Command) (driver.Result, bool) {
	res, err := s.manager.Execute(r.Context(), device, cmd)
	s.metrics.CommandObserved(device, cmd.Kind, err)
	if err != nil {
		writeMappedError(w, err)
		return driver.Result{}, false
	}
	return res, true
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		Host     string `json:"host"`
		Family   string `json:"family"`
		ADBKey   string `json:"adb_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	if req.DeviceID == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "body", Reason: "device_id and host are required"})
		return
	}

	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "host", Reason: "expected <address>:<port>"})
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, command.ValidationError{Field: "host", Reason: "invalid port"})
		return
	}

	dev := config.Device{Host: host, Port: port, Family: req.Family, Credential: req.ADBKey}
	if err := s.manager.Add(req.DeviceID, dev); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	devices := make(map[string]any)
	for _, st := range s.manager.Devices() {
		devices[st.Name] = map[string]any{
			"host":    st.Addr,
			"family":  st.Family,
			"state":   st.State.String(),
			"session": st.Session,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "devices": devices})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}

	res, err := s.manager.Execute(r.Context(), device, command.Command{Kind: command.KindState})
	s.metrics.CommandObserved(device, command.KindState, err)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"state": res.State})
	case errors.Is(err, session.ErrUnknownDevice):
		writeMappedError(w, err)
	default:
		// An unreachable device reads as disconnected, like a probe
		// against a powered-off box.
		log.Printf("state %s: %v", device, err)
		writeJSON(w, http.StatusOK, map[string]any{"state": "disconnected"})
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	if err := s.manager.Connect(r.Context(), device); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	cmd, err := command.Parse(r.PathValue("action"), "")
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if _, ok := s.execute(w, r, device, cmd); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRunningApps(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	res, ok := s.execute(w, r, device, command.Command{Kind: command.KindRunningApps})
	if !ok {
		return
	}
	apps := res.RunningApps
	if apps == nil {
		apps = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"running_apps": apps})
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	app, ok := pathApp(w, r)
	if !ok {
		return
	}
	res, ok := s.execute(w, r, device, command.Command{Kind: command.KindAppState, App: app})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": res.State})
}

func (s *Server) handleAppStart(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	app, ok := pathApp(w, r)
	if !ok {
		return
	}
	if _, ok := s.execute(w, r, device, command.Command{Kind: command.KindLaunchApp, App: app}); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAppStop(w http.ResponseWriter, r *http.Request) {
	device, ok := pathDevice(w, r)
	if !ok {
		return
	}
	app, ok := pathApp(w, r)
	if !ok {
		return
	}
	if _, ok := s.execute(w, r, device, command.Command{Kind: command.KindStopApp, App: app}); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
