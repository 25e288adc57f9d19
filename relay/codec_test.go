package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/intentrelay/routing"
)

func TestCodecFor(t *testing.T) {
	for _, format := range []string{"", "json", "msgpack"} {
		_, err := CodecFor(format)
		assert.NoError(t, err, format)
	}

	_, err := CodecFor("protobuf")
	assert.Error(t, err)
}

func TestCodec_MessageRoundTrip(t *testing.T) {
	msg := &EscalationMessage{
		RequestID: "req-42",
		Query:     "what do i have tomorrow",
		SessionID: "sess-1",
		UserID:    "user-7",
		History:   []Turn{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		Decision: &routing.RuleDecision{
			Status:        routing.StatusAmbiguous,
			TopConfidence: 0.55,
			ConfidenceGap: 0.03,
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Priority:  PriorityHigh,
	}

	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			codec, err := CodecFor(format)
			require.NoError(t, err)

			data, err := codec.EncodeMessage(msg)
			require.NoError(t, err)

			got, err := codec.DecodeMessage(data)
			require.NoError(t, err)

			assert.Equal(t, msg.RequestID, got.RequestID)
			assert.Equal(t, msg.Query, got.Query)
			assert.Equal(t, msg.History, got.History)
			assert.Equal(t, msg.Priority, got.Priority)
			assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
			require.NotNil(t, got.Decision)
			assert.InDelta(t, 0.55, got.Decision.TopConfidence, 1e-6)
		})
	}
}

func TestCodec_BatchEnvelope(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, format := range []string{"json", "msgpack"} {
		t.Run(format, func(t *testing.T) {
			codec, err := CodecFor(format)
			require.NoError(t, err)

			var members [][]byte
			for _, id := range []string{"req-1", "req-2", "req-3"} {
				data, err := codec.EncodeMessage(&EscalationMessage{RequestID: id, Query: "q"})
				require.NoError(t, err)
				members = append(members, data)
			}

			body, err := codec.EncodeBatch("batch-1", createdAt, members)
			require.NoError(t, err)

			batchID, gotCreatedAt, gotMembers, err := codec.DecodeBatch(body)
			require.NoError(t, err)
			assert.Equal(t, "batch-1", batchID)
			assert.True(t, createdAt.Equal(gotCreatedAt))
			require.Len(t, gotMembers, 3)

			// Members survive in their original serialized form and order.
			for i, id := range []string{"req-1", "req-2", "req-3"} {
				m, err := codec.DecodeMessage(gotMembers[i])
				require.NoError(t, err)
				assert.Equal(t, id, m.RequestID)
			}
		})
	}
}

func TestEscalationMessage_Normalize(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		msg := &EscalationMessage{Query: "q"}
		msg.normalize()

		assert.NotEmpty(t, msg.RequestID)
		assert.Equal(t, PriorityNormal, msg.Priority)
		assert.False(t, msg.CreatedAt.IsZero())
		assert.Equal(t, time.UTC, msg.CreatedAt.Location())
		assert.Zero(t, msg.CreatedAt.Nanosecond())
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		msg := &EscalationMessage{
			RequestID: "req-9",
			Priority:  PriorityHigh,
			CreatedAt: createdAt,
			SessionID: "explicit",
			Metadata:  map[string]any{"session_id": "embedded"},
		}
		msg.normalize()

		assert.Equal(t, "req-9", msg.RequestID)
		assert.Equal(t, PriorityHigh, msg.Priority)
		assert.True(t, createdAt.Equal(msg.CreatedAt))
		assert.Equal(t, "explicit", msg.SessionID, "explicit field wins over metadata")
	})

	t.Run("merges metadata-embedded fields", func(t *testing.T) {
		msg := &EscalationMessage{
			Query: "q",
			Metadata: map[string]any{
				"session_id": "sess-m",
				"user_id":    "user-m",
				"history":    []Turn{{Role: "user", Content: "earlier"}},
			},
		}
		msg.normalize()

		assert.Equal(t, "sess-m", msg.SessionID)
		assert.Equal(t, "user-m", msg.UserID)
		require.Len(t, msg.History, 1)
		assert.Equal(t, "earlier", msg.History[0].Content)
	})

	t.Run("explicit history wins over metadata", func(t *testing.T) {
		msg := &EscalationMessage{
			Query:    "q",
			History:  []Turn{{Role: "user", Content: "explicit"}},
			Metadata: map[string]any{"history": []Turn{{Role: "user", Content: "embedded"}}},
		}
		msg.normalize()

		require.Len(t, msg.History, 1)
		assert.Equal(t, "explicit", msg.History[0].Content)
	})

	t.Run("unknown priority normalized", func(t *testing.T) {
		msg := &EscalationMessage{Query: "q", Priority: "urgent"}
		msg.normalize()
		assert.Equal(t, PriorityNormal, msg.Priority)
	})

	t.Run("candidates mirrored into metadata", func(t *testing.T) {
		msg := &EscalationMessage{
			Query: "q",
			Decision: &routing.RuleDecision{
				Candidates: []routing.Candidate{{Intent: "a", Score: 0.5}},
			},
		}
		msg.normalize()

		require.Contains(t, msg.Metadata, "candidates")
	})
}
