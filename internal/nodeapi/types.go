package nodeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// TunnelSettings is sent with every status call so the node can reconcile
// its OpenVPN settings with the control plane.
type TunnelSettings struct {
	Address       string `json:"tunnel_address"`
	Protocol      string `json:"protocol"`
	Port          int    `json:"ovpn_port"`
	SetNewSetting bool   `json:"set_new_setting"`
}

// AccountRequest is the body of account create/delete calls.
type AccountRequest struct {
	Name string `json:"name"`
}

// Envelope is the common response shape of the node control API.
type Envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var (
	// ErrUnreachable covers transport failures and timeouts. Transient.
	ErrUnreachable = errors.New("node unreachable")
	// ErrRejected means the node answered but refused or failed the request.
	ErrRejected = errors.New("node rejected request")
	// ErrUnauthorized means the shared key was not accepted. Terminal.
	ErrUnauthorized = errors.New("node rejected credential")
	// ErrMalformed means the response body could not be decoded.
	ErrMalformed = errors.New("malformed node response")
)

// RequestError describes a failed call against one node.
type RequestError struct {
	Op     string
	Node   string
	Status int
	Msg    string
	Kind   error
	Err    error
}

func (e *RequestError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Node, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether a later attempt could plausibly succeed.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var re *RequestError
	if errors.As(err, &re) && errors.Is(re.Kind, ErrRejected) {
		return re.Status >= http.StatusInternalServerError
	}
	return false
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return ErrRejected
}
