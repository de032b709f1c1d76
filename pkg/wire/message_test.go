package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lanmode/lanmode-go/pkg/encryption"
	"github.com/lanmode/lanmode-go/pkg/lanerr"
	"github.com/lanmode/lanmode-go/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessions(t *testing.T) (app, dev *encryption.Session) {
	t.Helper()
	p := encryption.Params{
		Version: encryption.ProtocolVersion,
		Proto:   encryption.CipherSuiteAESCTR,
		KeyID:   7,
		Inputs: encryption.Inputs{
			DeviceRandom: "device-random-01",
			AppRandom:    "app-random-00001",
			DeviceTime:   1000,
			AppTime:      2000,
		},
	}
	key := []byte("K")

	p.Role = encryption.RoleApp
	app, err := encryption.NewSession(key, p)
	require.NoError(t, err)
	p.Role = encryption.RoleDevice
	dev, err = encryption.NewSession(key, p)
	require.NoError(t, err)
	return app, dev
}

func TestTypeForPath(t *testing.T) {
	tests := []struct {
		path string
		want MessageType
	}{
		{PathCommands, TypeCommands},
		{PathDatapoint, TypeDatapointUpdate},
		{PathNodeDatapoint, TypeDatapointUpdate},
		{PathKeyExchange, TypeKeyExchange},
		{PathConnStatus, TypeConnStatus},
		{PathDatapointAck, TypeDatapointAck},
		{PathNodeDatapointAck, TypeDatapointAck},
		{PathPrefix + "/wifi_scan_results.json", TypeUnknown},
		{"/commands.json", TypeUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TypeForPath(tt.path), tt.path)
	}
	assert.True(t, IsNodePath(PathNodeDatapoint))
	assert.False(t, IsNodePath(PathDatapoint))
}

func TestMessageFromRequestCleartext(t *testing.T) {
	body := `{"key_exchange":{"ver":1,"random_1":"abc","time_1":5,"proto":1,"key_id":7}}`
	msg, err := MessageFromRequest(&router.Request{
		Method: "POST",
		URI:    PathKeyExchange,
		Body:   []byte(body),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, TypeKeyExchange, msg.Type)
	assert.JSONEq(t, body, string(msg.JSON))
	assert.False(t, msg.IsCallback())

	kx, err := DecodeKeyExchange(msg)
	require.NoError(t, err)
	assert.Equal(t, 7, kx.KeyID)
	assert.Equal(t, "abc", kx.Random1)
}

func TestMessageFromRequestEmptyPoll(t *testing.T) {
	msg, err := MessageFromRequest(&router.Request{Method: "GET", URI: PathCommands}, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeCommands, msg.Type)
	assert.Nil(t, msg.JSON)
}

func TestMessageFromRequestSealed(t *testing.T) {
	app, dev := testSessions(t)

	body, err := SealBody(Property{Name: "temp", Value: json.RawMessage(`21.5`)}, dev)
	require.NoError(t, err)

	msg, err := MessageFromRequest(&router.Request{
		Method: "POST",
		URI:    PathNodeDatapoint + "?cmd_id=12&status=200",
		Body:   body,
	}, app)
	require.NoError(t, err)

	assert.Equal(t, TypeDatapointUpdate, msg.Type)
	assert.Equal(t, uint32(12), msg.CmdID())
	assert.Equal(t, 200, msg.Status())
	assert.True(t, msg.IsCallback())
	assert.True(t, msg.IsNode())

	var p Property
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, "temp", p.Name)
	assert.JSONEq(t, `21.5`, string(p.Value))
}

func TestMessageFromRequestErrors(t *testing.T) {
	app, dev := testSessions(t)
	sealed, err := SealBody(map[string]int{"a": 1}, dev)
	require.NoError(t, err)

	var env encryption.Envelope
	require.NoError(t, json.Unmarshal(sealed, &env))
	env.Sign = env.Enc[:8] + "===="
	tampered, _ := json.Marshal(env)

	tests := []struct {
		name string
		req  router.Request
		dec  Decrypter
		want lanerr.Code
	}{
		{"bad cleartext json", router.Request{URI: PathCommands, Body: []byte("{")}, app, lanerr.DeviceResponseError},
		{"bad envelope", router.Request{URI: PathDatapoint, Body: []byte("[1]")}, app, lanerr.DeviceResponseError},
		{"envelope missing sign", router.Request{URI: PathDatapoint, Body: []byte(`{"enc":"AAAA"}`)}, app, lanerr.DeviceResponseError},
		{"no session", router.Request{URI: PathDatapoint, Body: sealed}, nil, lanerr.EncryptionFailure},
		{"tampered", router.Request{URI: PathDatapoint, Body: tampered}, app, lanerr.EncryptionFailure},
		{"bad uri", router.Request{URI: "::"}, app, lanerr.DeviceResponseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := MessageFromRequest(&tt.req, tt.dec)
			assert.Nil(t, msg, "no partial message on failure")
			assert.True(t, errors.Is(err, tt.want), "err = %v, want %v", err, tt.want)
		})
	}
}

func TestMessageParamsMissing(t *testing.T) {
	msg := &Message{}
	assert.Equal(t, uint32(0), msg.CmdID())
	assert.Equal(t, 0, msg.Status())
	assert.True(t, errors.Is(msg.Decode(&struct{}{}), lanerr.DeviceResponseError))
}
