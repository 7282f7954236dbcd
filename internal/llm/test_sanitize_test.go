package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specforge/internal/cache"
	"specforge/internal/serialize"
)

type seq struct{ n int }

func (s *seq) Next() (int, error) {
	s.n++
	return s.n, nil
}

type brokenCounter struct{}

func (brokenCounter) Next() (int, error) { return 0, errors.New("disk full") }

func TestIDSanitizerRewritesProviderIDs(t *testing.T) {
	s := NewIDSanitizer(nil, &seq{}, nil)

	in := map[string]any{"id": "msg_A1", "role": "assistant"}
	out := s.SanitizeMap(in)
	assert.Equal(t, "u_msg_1", out["id"])
	assert.Equal(t, "msg_A1", in["id"], "input must not be modified")

	tool := s.SanitizeMap(map[string]any{"type": "tool_use", "id": "toolu_X"})
	assert.Equal(t, "u_toolu_2", tool["id"])

	result := s.SanitizeMap(map[string]any{"type": "tool_result", "tool_use_id": "toolu_X"})
	assert.Equal(t, "u_toolu_2", result["tool_use_id"])

	again := s.SanitizeMap(map[string]any{"id": "msg_A1"})
	assert.Equal(t, "u_msg_1", again["id"])
}

func TestIDSanitizerLeavesOtherMapsAlone(t *testing.T) {
	s := NewIDSanitizer(nil, &seq{}, nil)
	for _, m := range []map[string]any{
		{"id": "run-42"},
		{"id": 7},
		{"name": "x"},
	} {
		assert.Equal(t, m, s.SanitizeMap(m))
	}
}

func TestIDSanitizerCounterFailureKeepsID(t *testing.T) {
	s := NewIDSanitizer(nil, brokenCounter{}, nil)
	out := s.SanitizeMap(map[string]any{"id": "msg_1"})
	assert.Equal(t, "msg_1", out["id"])
}

func TestIDSanitizerDelegatesStrings(t *testing.T) {
	sub, err := serialize.NewSubstringSanitizer([]serialize.Substitution{{Pattern: "/home/dev", Replacement: "<HOME>"}})
	require.NoError(t, err)
	s := NewIDSanitizer(sub, &seq{}, nil)
	assert.Equal(t, "<HOME>/app", s.SanitizeString("/home/dev/app"))
	assert.Equal(t, "/home/dev/app", s.DesanitizeString("<HOME>/app"))
}

func TestIDSanitizerUsesPersistentCounter(t *testing.T) {
	dir := t.TempDir()
	first := NewIDSanitizer(nil, cache.NewPersistentCounter(dir), nil)
	assert.Equal(t, "u_msg_1", first.SanitizeMap(map[string]any{"id": "msg_a"})["id"])

	second := NewIDSanitizer(nil, cache.NewPersistentCounter(dir), nil)
	assert.Equal(t, "u_msg_2", second.SanitizeMap(map[string]any{"id": "msg_b"})["id"])
}

func TestMessageRoundTripsThroughSerializer(t *testing.T) {
	reg := serialize.NewRegistry()
	require.NoError(t, RegisterModels(reg))
	ser := serialize.New(reg, NewIDSanitizer(nil, &seq{}, nil))

	msg := &Message{
		ID:      "msg_abc",
		Role:    "assistant",
		Content: []ContentBlock{{Type: BlockToolUse, ID: "toolu_1", Name: "write_file", Input: map[string]any{"path": "a.go"}}},
	}
	wire, err := ser.MakeSerializable(msg, false)
	require.NoError(t, err)
	tagged := wire.(map[string]any)
	assert.Equal(t, "llm", tagged[serialize.ModuleKey])
	assert.Equal(t, "Message", tagged[serialize.NameKey])

	back, err := ser.Deserialize(wire)
	require.NoError(t, err)
	got, ok := back.(*Message)
	require.True(t, ok)
	// Nested mappings are sanitized before the mapping that contains them.
	assert.Equal(t, "u_toolu_1", got.Content[0].ID)
	assert.Equal(t, "u_msg_2", got.ID)
	assert.Equal(t, "a.go", got.Content[0].Input["path"])
}
