package everything

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"

	"github.com/TangGee/go-mcp-runtime"
)

var simulatedLogMessages = map[mcp.LogLevel]string{
	mcp.LogLevelDebug:     "Debug-level message",
	mcp.LogLevelInfo:      "Info-level message",
	mcp.LogLevelNotice:    "Notice-level message",
	mcp.LogLevelWarning:   "Warning-level message",
	mcp.LogLevelError:     "Error-level message",
	mcp.LogLevelCritical:  "Critical-level message",
	mcp.LogLevelAlert:     "Alert level-message",
	mcp.LogLevelEmergency: "Emergency-level message",
}

// log sends msg to the client behind ex. The exchange drops it when the level is below the one the
// client asked for.
func (s *Server) log(ctx context.Context, ex *mcp.Exchange, level mcp.LogLevel, msg string) {
	type logData struct {
		Message string `json:"message"`
	}
	dataBs, _ := json.Marshal(logData{Message: msg})

	err := ex.LoggingNotification(ctx, mcp.LoggingMessageNotification{
		Level:  level,
		Logger: "everything",
		Data:   dataBs,
	})
	if err != nil {
		s.logger.Warn("failed to send log message",
			slog.String("sessionID", ex.SessionID()),
			slog.String("err", err.Error()))
	}
}

// simulateLogging sends every connected client one message of a random level.
func (s *Server) simulateLogging(ctx context.Context, srv *mcp.Server) {
	level := mcp.LogLevel(rand.IntN(int(mcp.LogLevelEmergency) + 1))

	for _, id := range s.connectedSessions() {
		ss, ok := srv.Session(id)
		if !ok {
			continue
		}
		ex, err := ss.Exchange(ctx)
		if err != nil {
			continue
		}
		s.log(ctx, ex, level, simulatedLogMessages[level])
	}
}
