package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes escalation messages and batch containers. Batch members
// are embedded in their already-serialized form, so a consumer can split a
// batch without re-decoding every member up front.
type Codec interface {
	Name() string
	ContentType() string
	EncodeMessage(m *EscalationMessage) ([]byte, error)
	DecodeMessage(data []byte) (*EscalationMessage, error)
	EncodeBatch(batchID string, createdAt time.Time, members [][]byte) ([]byte, error)
	DecodeBatch(data []byte) (batchID string, createdAt time.Time, members [][]byte, err error)
}

// CodecFor resolves a codec by configured format name.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown serialization format %q", format)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) EncodeMessage(m *EscalationMessage) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) DecodeMessage(data []byte) (*EscalationMessage, error) {
	var m EscalationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type jsonBatchEnvelope struct {
	BatchID   string            `json:"batch_id"`
	CreatedAt time.Time         `json:"created_at"`
	Count     int               `json:"count"`
	Messages  []json.RawMessage `json:"messages"`
}

func (jsonCodec) EncodeBatch(batchID string, createdAt time.Time, members [][]byte) ([]byte, error) {
	env := jsonBatchEnvelope{
		BatchID:   batchID,
		CreatedAt: createdAt.UTC().Truncate(time.Second),
		Count:     len(members),
		Messages:  make([]json.RawMessage, len(members)),
	}
	for i, m := range members {
		env.Messages[i] = json.RawMessage(m)
	}
	return json.Marshal(env)
}

func (jsonCodec) DecodeBatch(data []byte) (string, time.Time, [][]byte, error) {
	var env jsonBatchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", time.Time{}, nil, err
	}
	members := make([][]byte, len(env.Messages))
	for i, m := range env.Messages {
		members[i] = []byte(m)
	}
	return env.BatchID, env.CreatedAt, members, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string        { return "msgpack" }
func (msgpackCodec) ContentType() string { return "application/msgpack" }

func (msgpackCodec) EncodeMessage(m *EscalationMessage) ([]byte, error) {
	return msgpack.Marshal(m)
}

func (msgpackCodec) DecodeMessage(data []byte) (*EscalationMessage, error) {
	var m EscalationMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

type msgpackBatchEnvelope struct {
	BatchID   string               `msgpack:"batch_id"`
	CreatedAt time.Time            `msgpack:"created_at"`
	Count     int                  `msgpack:"count"`
	Messages  []msgpack.RawMessage `msgpack:"messages"`
}

func (msgpackCodec) EncodeBatch(batchID string, createdAt time.Time, members [][]byte) ([]byte, error) {
	env := msgpackBatchEnvelope{
		BatchID:   batchID,
		CreatedAt: createdAt.UTC().Truncate(time.Second),
		Count:     len(members),
		Messages:  make([]msgpack.RawMessage, len(members)),
	}
	for i, m := range members {
		env.Messages[i] = msgpack.RawMessage(m)
	}
	return msgpack.Marshal(env)
}

func (msgpackCodec) DecodeBatch(data []byte) (string, time.Time, [][]byte, error) {
	var env msgpackBatchEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return "", time.Time{}, nil, err
	}
	members := make([][]byte, len(env.Messages))
	for i, m := range env.Messages {
		members[i] = []byte(m)
	}
	return env.BatchID, env.CreatedAt, members, nil
}
