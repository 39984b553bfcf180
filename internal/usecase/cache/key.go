package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"relaycore/internal/domain"
)

var (
	messageFields  = []string{"message", "text", "content"}
	languageFields = []string{"language", "targetLanguage", "target_language", "lang"}
)

// Key derives the cache key for req from its type, capability, user and
// normalized content. The request ID never contributes, so repeated
// submissions of the same work share a key.
func Key(req domain.Request) string {
	h := sha256.New()
	for _, part := range []string{req.Type, req.Capability(), req.UserID} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	message, language, ok := textContent(req.Payload)
	if ok {
		h.Write([]byte("text|" + normalize(message) + "|" + normalize(language)))
	} else {
		h.Write([]byte("json|"))
		h.Write(canonicalJSON(req.Payload))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// textContent extracts the message and language of a text-shaped payload.
func textContent(p any) (message, language string, ok bool) {
	switch v := p.(type) {
	case string:
		return v, "", true
	case map[string]any:
		message, ok = firstString(v, messageFields)
		if !ok {
			return "", "", false
		}
		language, _ = firstString(v, languageFields)
		return message, language, true
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return "", "", false
		}
		return textContent(m)
	}
	return "", "", false
}

func firstString(m map[string]any, fields []string) (string, bool) {
	for _, f := range fields {
		if s, ok := m[f].(string); ok {
			return s, true
		}
	}
	return "", false
}

// normalize lower-cases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// canonicalJSON re-encodes p through a generic value so map keys are sorted.
func canonicalJSON(p any) []byte {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}
