package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &Message{
		Properties: &MessageProperties{
			MessageID:     "m-17",
			To:            "orders",
			Subject:       "created",
			ReplyTo:       "orders-reply",
			CorrelationID: "c-17",
			ContentType:   "application/json",
		},
		ApplicationProperties: map[string]any{
			"region":  "eu-west-1",
			"attempt": int32(2),
		},
		Data: [][]byte{[]byte(`{"id":17}`)},
	}

	payload, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(payload)
	require.NoError(t, err)
	require.NotNil(t, got.Properties)
	assert.Equal(t, msg.Properties.MessageID, got.Properties.MessageID)
	assert.Equal(t, msg.Properties.To, got.Properties.To)
	assert.Equal(t, msg.Properties.Subject, got.Properties.Subject)
	assert.Equal(t, msg.Properties.ReplyTo, got.Properties.ReplyTo)
	assert.Equal(t, msg.Properties.CorrelationID, got.Properties.CorrelationID)
	assert.Equal(t, msg.Properties.ContentType, got.Properties.ContentType)
	assert.Equal(t, "eu-west-1", got.ApplicationProperties["region"])
	assert.Equal(t, int32(2), got.ApplicationProperties["attempt"])
	assert.Equal(t, []byte(`{"id":17}`), got.Body())
}

func TestMessageBareBody(t *testing.T) {
	payload, err := NewMessage([]byte("hello")).Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(payload)
	require.NoError(t, err)
	assert.Nil(t, got.Properties)
	assert.Equal(t, []byte("hello"), got.Body())
}

func TestMessageEmptyBodySection(t *testing.T) {
	payload, err := (&Message{}).Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(payload)
	require.NoError(t, err)
	assert.Empty(t, got.Body())
}

func TestMessageMultipleDataSections(t *testing.T) {
	msg := &Message{Data: [][]byte{[]byte("part-one|"), []byte("part-two")}}
	payload, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalMessage(payload)
	require.NoError(t, err)
	assert.Len(t, got.Data, 2)
	assert.Equal(t, []byte("part-one|part-two"), got.Body())
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := UnmarshalMessage([]byte{0xff, 0x00, 0x01})
	assert.Error(t, err)
}
