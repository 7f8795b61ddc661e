package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/helvarnet/helvard/internal/helvarnet"
)

// groupSummary is the list representation of a group.
type groupSummary struct {
	ID          int    `json:"id"`
	Name        string `json:"name,omitempty"`
	MemberCount int    `json:"member_count"`
	LastScene   int    `json:"last_scene,omitempty"`
}

// groupResponse is the detailed representation of a group, including
// its derived aggregate state and resolved members.
type groupResponse struct {
	groupSummary
	IsOn         bool             `json:"is_on"`
	Brightness   int              `json:"brightness"`
	ActiveMode   string           `json:"active_mode"`
	Capabilities []string         `json:"capabilities"`
	Members      []deviceResponse `json:"members"`
}

// handleListGroups returns every discovered group, sorted by ID.
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.router.Groups()
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })

	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, newGroupSummary(g))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groups": out,
		"count":  len(out),
	})
}

// handleGetGroup returns a group with its aggregate state and members.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}

	g, ok := s.router.Group(id)
	if !ok {
		writeNotFound(w, "group not found")
		return
	}

	state, err := s.router.GroupState(id, s.colorModes)
	if err != nil {
		writeInternalError(w, "failed to compute group state")
		return
	}

	members := s.router.MemberDevices(id)
	memberOut := make([]deviceResponse, 0, len(members))
	for _, d := range members {
		memberOut = append(memberOut, newDeviceResponse(d))
	}

	writeJSON(w, http.StatusOK, groupResponse{
		groupSummary: newGroupSummary(g),
		IsOn:         state.IsOn,
		Brightness:   state.Brightness,
		ActiveMode:   state.ActiveMode.String(),
		Capabilities: state.Capabilities.Names(),
		Members:      memberOut,
	})
}

// handleGetGroupHistory returns recorded state changes for a group.
func (s *Server) handleGetGroupHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.groupID(w, r)
	if !ok {
		return
	}

	if _, ok := s.router.Group(id); !ok {
		writeNotFound(w, "group not found")
		return
	}

	s.serveHistory(w, r, helvarnet.GroupKey(id))
}

func newGroupSummary(g helvarnet.Group) groupSummary {
	return groupSummary{
		ID:          g.ID,
		Name:        g.Name,
		MemberCount: len(g.Members),
		LastScene:   g.LastScene,
	}
}

// groupID parses and validates the id URL parameter.
func (s *Server) groupID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		writeBadRequest(w, "invalid group ID")
		return 0, false
	}
	return id, true
}
