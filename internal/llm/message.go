package llm

import (
	"specforge/internal/serialize"
	"specforge/internal/util/jsonutil"
)

// MessageTag identifies a Message in tagged cache entries and state documents.
var MessageTag = serialize.Tag{Module: "llm", Name: "Message"}

func (m *Message) ModelTag() serialize.Tag { return MessageTag }

func (m *Message) Dump() (map[string]any, error) {
	var out map[string]any
	if err := jsonutil.Convert(m, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func loadMessage(fields map[string]any) (serialize.Model, error) {
	var m Message
	if err := jsonutil.Convert(fields, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RegisterModels adds the package's model types to reg.
func RegisterModels(reg *serialize.Registry) error {
	return reg.Register(MessageTag, loadMessage)
}
