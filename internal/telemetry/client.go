package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FourMIK/AetherCore-sub002/internal/mesh/common"
)

// Subscribe connects to a hub at url and calls fn for every envelope until
// ctx is cancelled, the server closes, or fn returns false.
func Subscribe(ctx context.Context, url string, handshake time.Duration, fn func(Envelope) bool) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshake}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return common.WrapError(common.ErrCodeTransportFailed, "dial telemetry", err).
			WithContext("url", url)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return common.WrapError(common.ErrCodeTransportFailed, "telemetry read", err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return common.WrapError(common.ErrCodeMalformedFrame, "telemetry frame", err)
		}
		if !fn(env) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

// DecodeStatus unpacks a status envelope.
func DecodeStatus(env Envelope) (common.MeshStatus, error) {
	var status common.MeshStatus
	if env.Type != TypeStatus {
		return status, fmt.Errorf("envelope type %q is not %q", env.Type, TypeStatus)
	}
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return status, common.WrapError(common.ErrCodeMalformedFrame, "status payload", err)
	}
	return status, nil
}
