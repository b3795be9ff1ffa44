package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// CloseSuperseded is sent to a connection replaced by a newer one for the
// same user when the close policy is active.
const CloseSuperseded = 4001

func newConnID() string {
	return uuid.NewString()
}

// originChecker allows the listed origins; an empty list allows any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients
			return true
		}
		_, ok := set[strings.TrimRight(strings.ToLower(origin), "/")]
		return ok
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return closeCodeName(ce.Code)
	}
	return err.Error()
}

func closeCodeName(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal closure"
	case websocket.CloseGoingAway:
		return "going away"
	case websocket.CloseAbnormalClosure:
		return "abnormal closure"
	case websocket.CloseMessageTooBig:
		return "message too big"
	default:
		return "close"
	}
}
