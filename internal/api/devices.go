package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/helvarnet/helvard/internal/helvarnet"
)

// deviceResponse is the API representation of a discovered device.
type deviceResponse struct {
	Address         string        `json:"address"`
	Name            string        `json:"name,omitempty"`
	TypeCode        int           `json:"type_code"`
	IsLoad          bool          `json:"is_load"`
	IsSwitch        bool          `json:"is_switch"`
	IsColor         bool          `json:"is_color"`
	IsOn            bool          `json:"is_on"`
	Level           float64       `json:"level"`
	Brightness      int           `json:"brightness"`
	ColorTempMireds int           `json:"color_temp_mireds,omitempty"`
	XY              *helvarnet.XY `json:"xy,omitempty"`
	LastScene       int           `json:"last_scene,omitempty"`
	UpdatedAt       string        `json:"updated_at,omitempty"`
}

// newDeviceResponse converts a registry device to its API representation.
func newDeviceResponse(d helvarnet.Device) deviceResponse {
	resp := deviceResponse{
		Address:         d.Address.String(),
		Name:            d.Name,
		TypeCode:        d.TypeCode,
		IsLoad:          d.IsLoad,
		IsSwitch:        d.IsSwitch,
		IsColor:         d.IsColor,
		IsOn:            d.IsOn(),
		Level:           d.LoadLevel,
		Brightness:      d.Brightness(),
		ColorTempMireds: d.ColorTempMireds,
		XY:              d.XYColor,
		LastScene:       d.LastScene,
	}
	if !d.UpdatedAt.IsZero() {
		resp.UpdatedAt = d.UpdatedAt.UTC().Format(timestampFormat)
	}
	return resp
}

// handleListDevices returns every discovered device, sorted by address.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.router.Devices()
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address.String() < devices[j].Address.String()
	})

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, newDeviceResponse(d))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleGetDevice returns a single device by dotted address.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddress(w, r)
	if !ok {
		return
	}

	d, ok := s.router.Device(addr)
	if !ok {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(d))
}

// handleGetDeviceHistory returns recorded state changes for a device.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.deviceAddress(w, r)
	if !ok {
		return
	}

	if _, ok := s.router.Device(addr); !ok {
		writeNotFound(w, "device not found")
		return
	}

	s.serveHistory(w, r, helvarnet.DeviceKey(addr))
}

// deviceAddress parses and validates the address URL parameter.
func (s *Server) deviceAddress(w http.ResponseWriter, r *http.Request) (helvarnet.Address, bool) {
	raw := chi.URLParam(r, "address")
	addr, err := helvarnet.ParseAddress(raw)
	if err != nil {
		writeBadRequest(w, "invalid device address")
		return helvarnet.Address{}, false
	}
	return addr, true
}
