package agent

import (
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/ashureev/mcp-chat-gateway/internal/api"
	"github.com/ashureev/mcp-chat-gateway/internal/errx"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
)

// streamSSE relays seq as an event stream. A failure before the first chunk
// becomes a JSON error response; a later failure ends the stream with an
// error event.
func streamSSE(w http.ResponseWriter, seq iter.Seq2[string, error], requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	start := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		started = true
	}

	chunks := 0
	for chunk, err := range seq {
		if err != nil {
			if !started {
				api.WriteError(w, err)
				return
			}
			logx.Error().Err(err).Str("request_id", requestID).Int("chunks", chunks).Msg("model stream failed")
			if writeErr := writeSSE(w, "error", errx.MessageOf(err)); writeErr != nil {
				logx.Warn().Err(writeErr).Msg("failed to write SSE error event")
				return
			}
			flusher.Flush()
			return
		}

		if !started {
			start()
		}
		if err := writeSSE(w, "", chunk); err != nil {
			logx.Warn().Err(err).Str("request_id", requestID).Msg("failed to write SSE chunk")
			return
		}
		flusher.Flush()
		chunks++
	}

	if !started {
		start()
		flusher.Flush()
	}
	logx.Debug().Str("request_id", requestID).Int("chunks", chunks).Msg("model stream finished")
}

// lineEndings folds CRLF and bare CR into LF, the three SSE line terminators.
var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// writeSSE writes one event. Each line of data becomes its own data field so
// line breaks inside a chunk survive framing.
func writeSSE(w io.Writer, event, data string) error {
	var sb strings.Builder
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	for _, line := range strings.Split(lineEndings.Replace(data), "\n") {
		sb.WriteString("data: ")
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}
