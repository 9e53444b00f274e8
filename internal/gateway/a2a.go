package gateway

import (
	"net/http"
	"sort"
)

// AgentCard is served at /.well-known/agent.json. Registered active agents
// are advertised as skills so callers can pick a delegation target.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
	Skills             []Skill      `json:"skills"`
	Tools              []string     `json:"tools"`
}

type Capabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

type Skill struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	skills := []Skill{}
	if s.cfg.Registry != nil {
		agents, err := s.cfg.Registry.ListActive(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		for _, a := range agents {
			skills = append(skills, Skill{ID: a.AgentID, Name: a.AgentID, URL: a.BaseURL})
		}
	}
	tools := make([]string, 0)
	for _, t := range s.cfg.Router.Tools() {
		tools = append(tools, t.Name)
	}
	sort.Strings(tools)

	url := trimSlash(s.cfg.PublicURL)
	if url == "" {
		url = "http://" + r.Host
	}
	card := AgentCard{
		Name:               "taskrelay",
		Description:        "Local task coordination between agents",
		URL:                url,
		Version:            s.version(),
		Capabilities:       Capabilities{Streaming: s.cfg.Bus != nil, StateTransitionHistory: true},
		DefaultInputModes:  []string{"text", "data"},
		DefaultOutputModes: []string{"text", "data"},
		Skills:             skills,
		Tools:              tools,
	}
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, card)
}
