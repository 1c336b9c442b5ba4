package coap_test

import (
	"testing"

	"github.com/openthread-go/meshcore/internal/coap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg := coap.Message{
		Type:      coap.TypeConfirmable,
		Code:      coap.CodePOST,
		MessageID: 0x1234,
		Token:     []byte{0xaa, 0xbb},
		Options:   coap.NewURIPathOptions("a/aq"),
		Payload:   []byte{1, 2, 3, 4},
	}

	buf, err := coap.Encode(msg)
	require.NoError(t, err)

	got, err := coap.Decode(buf)
	require.NoError(t, err)

	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Code, got.Code)
	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, msg.Token, got.Token)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, "a/aq", got.URIPath())
}

func TestNewURIPathOptions(t *testing.T) {
	opts := coap.NewURIPathOptions("a/an")
	require.Len(t, opts, 2)
	assert.Equal(t, "a", string(opts[0].Value))
	assert.Equal(t, "an", string(opts[1].Value))
}

func TestDecode_TooShort(t *testing.T) {
	_, err := coap.Decode([]byte{1, 2})
	assert.Error(t, err)
}

func TestEncode_LongOptionValue(t *testing.T) {
	msg := coap.Message{
		Type:      coap.TypeNonConfirmable,
		Code:      coap.CodeContent,
		MessageID: 7,
		Options: []coap.Option{
			{Number: coap.OptionURIPath, Value: make([]byte, 300)},
		},
	}

	buf, err := coap.Encode(msg)
	require.NoError(t, err)

	got, err := coap.Decode(buf)
	require.NoError(t, err)
	require.Len(t, got.Options, 1)
	assert.Len(t, got.Options[0].Value, 300)
}
