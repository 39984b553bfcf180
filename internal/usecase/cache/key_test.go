package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"relaycore/internal/domain"
)

func chat(id, user string, payload any) domain.Request {
	return domain.Request{ID: id, Type: "chat", UserID: user, Payload: payload}
}

func TestKeyIgnoresIDAndNormalizesText(t *testing.T) {
	a := Key(chat("1", "u", map[string]any{"message": "Hello   World", "language": "EN"}))
	b := Key(chat("2", "u", map[string]any{"text": " hello world ", "lang": "en"}))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	raw := Key(chat("3", "u", json.RawMessage(`{"content":"HELLO world","target_language":"en"}`)))
	assert.Equal(t, a, raw)
}

func TestKeyDistinguishes(t *testing.T) {
	base := chat("1", "u", map[string]any{"message": "hi", "language": "en"})
	k := Key(base)

	other := base
	other.UserID = "v"
	assert.NotEqual(t, k, Key(other))

	other = base
	other.Type = "translate"
	assert.NotEqual(t, k, Key(other))

	other = base
	other.Metadata.TargetCapability = "gpu"
	assert.NotEqual(t, k, Key(other))

	other = base
	other.Payload = map[string]any{"message": "hi", "language": "fr"}
	assert.NotEqual(t, k, Key(other))
}

func TestKeyCanonicalJSON(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	a := Key(chat("1", "u", map[string]any{"y": 2, "x": 1}))
	b := Key(chat("2", "u", point{X: 1, Y: 2}))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Key(chat("3", "u", point{X: 2, Y: 1})))
}
