package ride

import (
	"encoding/json"
	"log/slog"

	"github.com/example/rider-core/internal/realtime"
)

// decode adapts a typed event handler to the channel's raw-payload handler
// signature. Unparseable payloads are logged and dropped, never fatal.
func decode[T any](logger *slog.Logger, fn func(T)) realtime.Handler {
	return func(raw json.RawMessage) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.Warn("unparseable event payload", "error", err)
			return
		}
		fn(v)
	}
}
