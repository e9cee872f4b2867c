package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	Action string `json:"action"`
	Value  int    `json:"value"`
}

func TestParseJSONResponse_Plain(t *testing.T) {
	out, err := ParseJSONResponse[decision](`{"action":"click","value":3}`)
	require.NoError(t, err)
	assert.Equal(t, "click", out.Action)
	assert.Equal(t, 3, out.Value)
}

func TestParseJSONResponse_MarkdownFence(t *testing.T) {
	raw := "```json\n{\"action\":\"type\",\"value\":1}\n```"
	out, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "type", out.Action)
}

func TestParseJSONResponse_ConversationalWrapper(t *testing.T) {
	raw := `Sure! Here is the result you asked for: {"action":"navigate","value":7} Hope that helps.`
	out, err := ParseJSONResponse[decision](raw)
	require.NoError(t, err)
	assert.Equal(t, "navigate", out.Action)
	assert.Equal(t, 7, out.Value)
}

func TestParseJSONResponse_Array(t *testing.T) {
	out, err := ParseJSONResponse[[]string](" noise [\"a\",\"b\"] trailing")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, *out)
}

func TestParseJSONResponse_Garbage(t *testing.T) {
	_, err := ParseJSONResponse[decision]("I could not decide on an action.")
	require.Error(t, err)
}
