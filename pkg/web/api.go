package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dbehnke/ptt-trunk/pkg/call"
	"github.com/dbehnke/ptt-trunk/pkg/logger"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// CallSource lists the call processors
type CallSource interface {
	Calls() []call.Status
}

// PresenceSource exposes provisioning counts and online subscribers
type PresenceSource interface {
	Counts() (subscribers, groups, online int)
	OnlineSubscribers() []subscriber.OnlineRecord
}

// CallView is the JSON form of one call processor
type CallView struct {
	Group     uint32     `json:"group"`
	State     string     `json:"state"`
	SessionID string     `json:"session_id,omitempty"`
	Source    uint32     `json:"source,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// SubscriberView is the JSON form of one online subscriber
type SubscriberView struct {
	ID   uint32 `json:"id"`
	Addr string `json:"addr"`
}

// NewCallView converts a processor status for the API
func NewCallView(st call.Status) CallView {
	v := CallView{Group: st.Group, State: st.State.String()}
	if st.State.Active() {
		v.SessionID = st.Call.SessionID.String()
		v.Source = st.Call.SourceID
		if st.Call.SenderAddr != nil {
			v.Sender = st.Call.SenderAddr.String()
		}
		started := st.Call.StartedAt
		v.StartedAt = &started
	}
	return v
}

// API handles REST API endpoints
type API struct {
	logger   *logger.Logger
	calls    CallSource
	presence PresenceSource
}

// NewAPI creates a new API instance. Either source may be nil.
func NewAPI(calls CallSource, presence PresenceSource, log *logger.Logger) *API {
	return &API{
		logger:   log,
		calls:    calls,
		presence: presence,
	}
}

// HandleStatus handles the /api/status endpoint
func (a *API) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version, commit, buildTime := GetVersionInfo()
	response := map[string]interface{}{
		"status":     "running",
		"service":    "ptt-trunk",
		"version":    version,
		"commit":     commit,
		"build_time": buildTime,
	}

	if a.presence != nil {
		subs, groups, online := a.presence.Counts()
		response["subscribers"] = subs
		response["groups"] = groups
		response["online"] = online
	}
	if a.calls != nil {
		active := 0
		for _, st := range a.calls.Calls() {
			if st.State.Active() {
				active++
			}
		}
		response["active_calls"] = active
	}

	a.writeJSON(w, response)
}

// HandleCalls handles the /api/calls endpoint. ?active=true limits the list
// to processors holding a call.
func (a *API) HandleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	onlyActive := r.URL.Query().Get("active") == "true"
	views := []CallView{}
	if a.calls != nil {
		for _, st := range a.calls.Calls() {
			if onlyActive && !st.State.Active() {
				continue
			}
			views = append(views, NewCallView(st))
		}
	}
	a.writeJSON(w, views)
}

// HandleSubscribers handles the /api/subscribers endpoint
func (a *API) HandleSubscribers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	views := []SubscriberView{}
	if a.presence != nil {
		for _, rec := range a.presence.OnlineSubscribers() {
			views = append(views, SubscriberView{ID: rec.SubscriberID, Addr: rec.Addr.String()})
		}
	}
	a.writeJSON(w, views)
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}
