package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandToRequestBody(t *testing.T) {
	app, dev := testSessions(t)

	data := PollData{Cmds: []CmdEnvelope{{Cmd: Cmd{
		CmdID:    1,
		Method:   "GET",
		Resource: "property.json?name=temp",
		URI:      PathDatapoint,
	}}}}
	body, err := CommandToRequestBody(data, app)
	require.NoError(t, err)

	var env map[string]string
	require.NoError(t, json.Unmarshal(body, &env))
	assert.NotEmpty(t, env["enc"])
	assert.NotEmpty(t, env["sign"])
	assert.NotContains(t, string(body), "temp", "commands must not leak in cleartext")

	raw, err := OpenBody(body, dev)
	require.NoError(t, err)

	var got PollData
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.Cmds, 1)
	assert.Equal(t, data.Cmds[0].Cmd, got.Cmds[0].Cmd)
	assert.Equal(t, 1, got.Len())
}

func TestPollDataEncoding(t *testing.T) {
	data := PollData{Properties: []PropertyEnvelope{{Property: Property{
		Name:     "power",
		BaseType: "boolean",
		Value:    json.RawMessage(`1`),
		ID:       "ack-1",
	}}}}

	out, err := json.Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"properties":[{"property":{"name":"power","base_type":"boolean","value":1,"id":"ack-1"}}]}`, string(out))
}

func TestSealBodyWithoutSession(t *testing.T) {
	_, err := SealBody(PollData{}, nil)
	assert.True(t, errors.Is(err, lanerr.EncryptionFailure))

	_, err = OpenBody([]byte(`{}`), nil)
	assert.True(t, errors.Is(err, lanerr.EncryptionFailure))
}

func TestDecodeKeyExchangeMissingFields(t *testing.T) {
	msg := &Message{Type: TypeKeyExchange, JSON: json.RawMessage(`{"key_exchange":{"ver":1}}`)}
	_, err := DecodeKeyExchange(msg)
	assert.True(t, errors.Is(err, lanerr.DeviceResponseError))
	assert.True(t, errors.Is(err, ErrMissingField))
}

func TestEncodeKeyExchange(t *testing.T) {
	out, err := EncodeKeyExchange(KeyExchange{Version: 1, Random1: "r", Time1: 9, Proto: 1, KeyID: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key_exchange":{"ver":1,"random_1":"r","time_1":9,"proto":1,"key_id":3}}`, string(out))
}

func TestLocalRegistrationRoundTrip(t *testing.T) {
	reg := LocalRegistration{URI: PathPrefix, IP: "192.168.1.2", Port: 10275, Notify: 1}
	body, err := EncodeLocalRegistration(reg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"local_reg":{"uri":"/local_lan","ip":"192.168.1.2","port":10275,"notify":1}}`, string(body))

	got, err := DecodeLocalRegistration(body)
	require.NoError(t, err)
	assert.Equal(t, reg, got)

	_, err = DecodeLocalRegistration([]byte(`{"local_reg":{"ip":""}}`))
	assert.True(t, errors.Is(err, ErrMissingField))
}
