package registry

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/nodemesh/errors"
	"github.com/c360/nodemesh/payload"
)

// Error names carried in failed RES packets
const (
	ErrNameActionNotFound = "ActionNotFound"
	ErrNameRequestTimeout = "RequestTimeout"
	ErrNameHandler        = "HandlerError"
	ErrNameGeneric        = "Error"
)

// RemoteError is the failure reported by the node that ran an action
type RemoteError struct {
	NodeID  string
	Action  string
	Name    string
	Message string
	Code    int
	Data    payload.Value
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote action %s on %s failed: %s: %s", e.Action, e.NodeID, e.Name, e.Message)
}

// Is maps well-known remote error names onto local sentinels
func (e *RemoteError) Is(target error) bool {
	switch e.Name {
	case ErrNameActionNotFound:
		return target == errors.ErrActionNotFound
	case ErrNameRequestTimeout:
		return target == errors.ErrRequestTimeout
	}
	return false
}

// errorPacket describes err for the error field of a RES packet
func errorPacket(nodeID string, err error) payload.Value {
	name, code := ErrNameGeneric, 500
	var data payload.Value

	var re *RemoteError
	switch {
	case stderrors.As(err, &re):
		name, code, data = re.Name, re.Code, re.Data
	case stderrors.Is(err, errors.ErrActionNotFound):
		name, code = ErrNameActionNotFound, 404
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, errors.ErrRequestTimeout):
		name, code = ErrNameRequestTimeout, 504
	case errors.IsHandler(err):
		name = ErrNameHandler
	}

	return payload.Map(
		payload.F("name", payload.String(name)),
		payload.F("message", payload.String(err.Error())),
		payload.F("code", payload.Int(int64(code))),
		payload.F("nodeID", payload.String(nodeID)),
		payload.F("data", data),
	)
}

// remoteErrorFrom reads the error field of a failed RES packet
func remoteErrorFrom(sender, action string, p payload.Value) *RemoteError {
	e := p.Field("error")
	code, _ := e.Field("code").AsInt()
	nodeID := e.Field("nodeID").Str()
	if nodeID == "" {
		nodeID = sender
	}
	name := e.Field("name").Str()
	if name == "" {
		name = ErrNameGeneric
	}
	return &RemoteError{
		NodeID:  nodeID,
		Action:  action,
		Name:    name,
		Message: e.Field("message").Str(),
		Code:    int(code),
		Data:    e.Field("data"),
	}
}
