package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// pixelGIF is a 1x1 transparent GIF, the beacon endpoint's entire visible
// response. The answer travels separately through the response store.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, // GIF89a
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

// callbackPattern accepts plain JS identifiers with optional dotted paths.
// Anything else is replaced by the default so the script body cannot be used
// to reflect attacker-controlled code.
var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

const defaultCallback = "callback"

func sanitizeCallback(name string) string {
	if name == "" || !callbackPattern.MatchString(name) {
		return defaultCallback
	}
	return name
}

// decodeChatRequest pulls the question and data context out of the query
// string. A malformed context is dropped rather than rejected; the chat
// endpoints answer something no matter what arrives.
func decodeChatRequest(r *http.Request) (string, domain.DataContext) {
	q := r.URL.Query()

	var data domain.DataContext
	if raw := q.Get(domain.ParamContext); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			data = domain.DataContext{}
		}
	}
	return q.Get(domain.ParamQuestion), data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeScript renders the envelope as a JSONP call. json.Marshal escapes
// <, > and & so the payload cannot break out of the script context.
func writeScript(w http.ResponseWriter, callback string, env domain.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		payload = []byte(`{"answer":"","method":"fallback","error":"encoding failed"}`)
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, "%s(%s);", callback, payload)
}

// framePage posts the envelope to the embedding window, one postMessage per
// allowed origin. payload and origins are rendered as single-line JSON so
// non-browser consumers can extract them with a line scan.
const framePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body>
<script>
var payload = %s;
var origins = %s;
(function () {
  if (!window.parent || window.parent === window) { return; }
  for (var i = 0; i < origins.length; i++) {
    window.parent.postMessage(payload, origins[i]);
  }
})();
</script>
</body>
</html>
`

func writeFrame(w http.ResponseWriter, env domain.Envelope, origins []string) {
	payload, err := json.Marshal(env)
	if err != nil {
		payload = []byte(`{"answer":"","method":"fallback","error":"encoding failed"}`)
	}
	originsJSON, err := json.Marshal(origins)
	if err != nil || len(origins) == 0 {
		originsJSON = []byte("[]")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, framePage, payload, originsJSON)
}

// writeStream emits the envelope as a single SSE data event and flushes, so
// the consumer sees it before the connection closes.
func writeStream(w http.ResponseWriter, env domain.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		payload = []byte(`{"answer":"","method":"fallback","error":"encoding failed"}`)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeBeacon(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(pixelGIF)
}
