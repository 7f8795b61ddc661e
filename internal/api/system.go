package api

import (
	"net/http"
	"time"
)

// handleStats reports operational counters for the router link and the
// event stream.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.router.Stats()

	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}

	var lastActivity string
	if !stats.Transport.LastActivity.IsZero() {
		lastActivity = stats.Transport.LastActivity.UTC().Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"router": map[string]any{
			"connected":        stats.Transport.Connected,
			"frames_tx":        stats.Transport.FramesTx,
			"frames_rx":        stats.Transport.FramesRx,
			"last_activity":    lastActivity,
			"notifications_rx": stats.NotificationsRx,
			"malformed_rx":     stats.MalformedRx,
		},
		"registry": map[string]any{
			"devices": stats.Devices,
			"groups":  stats.Groups,
		},
		"websocket": map[string]any{
			"clients": wsClients,
		},
	})
}
