package log

import (
	"bytes"
	"testing"
)

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"direction in", DirectionIn.String(), "IN"},
		{"direction out", DirectionOut.String(), "OUT"},
		{"direction unknown", Direction(99).String(), "UNKNOWN"},
		{"layer router", LayerRouter.String(), "ROUTER"},
		{"layer wire", LayerWire.String(), "WIRE"},
		{"layer session", LayerSession.String(), "SESSION"},
		{"layer unknown", Layer(99).String(), "UNKNOWN"},
		{"category message", CategoryMessage.String(), "MESSAGE"},
		{"category control", CategoryControl.String(), "CONTROL"},
		{"category state", CategoryState.String(), "STATE"},
		{"category error", CategoryError.String(), "ERROR"},
		{"role app", RoleApp.String(), "APP"},
		{"role device", RoleDevice.String(), "DEVICE"},
		{"entity session", StateEntitySession.String(), "SESSION"},
		{"entity responder", StateEntityResponder.String(), "RESPONDER"},
		{"entity task", StateEntityTask.String(), "TASK"},
		{"ctrl keepalive", ControlMsgKeepAlive.String(), "KEEPALIVE"},
		{"ctrl registration", ControlMsgRegistration.String(), "REGISTRATION"},
		{"ctrl key exchange", ControlMsgKeyExchange.String(), "KEY_EXCHANGE"},
		{"ctrl unknown", ControlMsgType(99).String(), "UNKNOWN"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestNewHTTPEventTruncates(t *testing.T) {
	small := NewHTTPEvent("GET", "/local_lan/commands.json", 0, []byte(`{}`))
	if small.Truncated || small.Size != 2 || string(small.Body) != "{}" {
		t.Errorf("small body: got %+v", small)
	}

	big := bytes.Repeat([]byte("a"), MaxCapturedBody+10)
	ev := NewHTTPEvent("", "", 200, big)
	if !ev.Truncated {
		t.Error("large body should be truncated")
	}
	if len(ev.Body) != MaxCapturedBody {
		t.Errorf("len(Body) = %d, want %d", len(ev.Body), MaxCapturedBody)
	}
	if ev.Size != len(big) {
		t.Errorf("Size = %d, want %d", ev.Size, len(big))
	}

	empty := NewHTTPEvent("POST", "/x", 0, nil)
	if empty.Body != nil {
		t.Errorf("empty body should stay nil, got %v", empty.Body)
	}
}
