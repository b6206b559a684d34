package transport

import (
	"net/http"
	"strings"
)

func applyHeaders(req *http.Request, headers map[string]string) {
	for key, value := range headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		req.Header.Set(name, value)
	}
}

func isStreamingContentType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.IndexByte(mediaType, ';'); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	return mediaType == "text/event-stream"
}
