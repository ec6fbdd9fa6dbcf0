package api

import (
	"chatcore/server/chat/binder"
	"chatcore/server/chat/driver"
	"chatcore/server/common/transport/httpresp"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type SessionResponse struct {
	ID        string       `json:"id,omitempty"`
	Kind      binder.Kind  `json:"kind"`
	UserID    string       `json:"user_id,omitempty"`
	DeviceID  string       `json:"device_id,omitempty"`
	Ready     bool         `json:"ready"`
	Phase     driver.Phase `json:"phase,omitempty"`
	Connected bool         `json:"connected"`
	Syncing   bool         `json:"syncing"`
	Error     string       `json:"error,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewSessionResponse(s *binder.Session) SessionResponse {
	if s == nil {
		return SessionResponse{Kind: binder.KindNone}
	}
	state := s.State()
	out := SessionResponse{
		ID:        s.ID,
		Kind:      s.Kind,
		UserID:    s.UserID,
		DeviceID:  s.DeviceID,
		Ready:     s.IsReady(),
		Phase:     state.Phase,
		Connected: state.Connected,
		Syncing:   state.Syncing,
	}
	if err := s.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}
