package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nexa-go-home/internal/gateway"
	"nexa-go-home/internal/nexa"
	"nexa-go-home/internal/store"
)

// deviceView is a configured device together with its last commanded state.
type deviceView struct {
	gateway.Device
	State      string     `json:"state"`
	Brightness *uint8     `json:"brightness,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

func newDeviceView(d gateway.Device, st *store.DeviceState) deviceView {
	v := deviceView{Device: d}
	if st != nil {
		v.State = st.State
		v.Brightness = st.Brightness
		if !st.UpdatedAt.IsZero() {
			at := st.UpdatedAt
			v.UpdatedAt = &at
		}
	}
	return v
}

type groupView struct {
	gateway.Group
	Members []string `json:"members"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	states, err := s.gw.States()
	if err != nil {
		s.logger.Error("list states", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	devices := s.gw.Devices()
	views := make([]deviceView, len(devices))
	for i, d := range devices {
		// States are returned in device order.
		views[i] = newDeviceView(d, states[i])
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	dev, err := s.gw.Device(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	st, err := s.gw.State(name)
	if err != nil {
		s.logger.Error("get state", "device", name, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, newDeviceView(dev, st))
}

func (s *Server) handleAPIListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.gw.Groups()
	views := make([]groupView, 0, len(groups))
	for _, g := range groups {
		views = append(views, s.groupView(g))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.gw.Group(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "group not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.groupView(g))
}

func (s *Server) groupView(g gateway.Group) groupView {
	v := groupView{Group: g, Members: []string{}}
	for _, d := range s.gw.Members(g) {
		v.Members = append(v.Members, d.Name)
	}
	return v
}

type commandRequest struct {
	Action gateway.Action `json:"action"`
	Level  *int           `json:"level,omitempty"`
}

func (s *Server) handleAPIDeviceCommand(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, false)
}

func (s *Server) handleAPIGroupCommand(w http.ResponseWriter, r *http.Request) {
	s.handleCommand(w, r, true)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, group bool) {
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cmd := gateway.Command{Target: r.PathValue("name"), Group: group, Action: req.Action}
	if req.Action == gateway.ActionDim {
		if req.Level == nil {
			s.writeError(w, http.StatusBadRequest, "level is required for dim")
			return
		}
		if *req.Level < 0 || *req.Level > nexa.MaxDimLevel {
			s.writeError(w, http.StatusBadRequest, "level must be 0-100")
			return
		}
		cmd.Level = uint8(*req.Level)
	}

	if err := s.gw.Send(r.Context(), cmd); err != nil {
		status := commandErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("send command", "cmd", cmd.String(), "err", err)
		}
		s.writeError(w, status, err.Error())
		return
	}

	resp := map[string]interface{}{"status": "ok"}
	if !group {
		if st, err := s.gw.State(cmd.Target); err == nil {
			resp["state"] = st
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// commandErrorStatus maps a gateway error to an HTTP status.
func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNotDimmable),
		errors.Is(err, gateway.ErrInvalidAction),
		errors.Is(err, nexa.ErrInvalidDimLevel),
		errors.Is(err, nexa.ErrInvalidFieldWidth):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type frameResponse struct {
	Message    nexa.Message `json:"message"`
	Summary    string       `json:"summary"`
	PulseCount int          `json:"pulse_count"`
	PulsesUS   []int64      `json:"pulses_us"`
	AirtimeMS  float64      `json:"airtime_ms"`
	SentAt     time.Time    `json:"sent_at"`
}

func (s *Server) handleAPILastFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.gw.LastFrame()
	if errors.Is(err, gateway.ErrNoFrame) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("last frame", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := frameResponse{
		Message:    frame.Message,
		Summary:    frame.Message.String(),
		PulseCount: len(frame.Pulses),
		PulsesUS:   make([]int64, len(frame.Pulses)),
		AirtimeMS:  float64(nexa.FrameDuration(frame.Pulses).Microseconds()) / 1000,
		SentAt:     frame.SentAt,
	}
	for i, p := range frame.Pulses {
		resp.PulsesUS[i] = p.Microseconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	n, err := s.gw.Transmissions()
	if err != nil {
		s.logger.Error("read transmission counter", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	status := map[string]interface{}{
		"version":       s.version,
		"devices":       len(s.gw.Devices()),
		"groups":        len(s.gw.Groups()),
		"transmissions": n,
		"ws_clients":    s.wsHub.ClientCount(),
	}
	if frame, err := s.gw.LastFrame(); err == nil {
		status["last_sent"] = frame.SentAt
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
