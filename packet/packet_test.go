package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picoscratch/mintgate/errors"
)

func TestDecodeDevice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DevicePacket
		wantErr bool
	}{
		{
			name:  "sensor",
			input: `{"serial":"sensor-1","temp":21.5}`,
			want:  Sensor{Serial: "sensor-1", Raw: []byte(`{"serial":"sensor-1","temp":21.5}`)},
		},
		{
			name:  "generic",
			input: `{"battery":90}`,
			want:  Generic{Raw: []byte(`{"battery":90}`)},
		},
		{name: "empty serial", input: `{"serial":""}`, wantErr: true},
		{name: "numeric serial", input: `{"serial":42}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
		{name: "array", input: `[1,2]`, wantErr: true},
		{name: "truncated", input: `{"serial":"a"`, wantErr: true},
		{name: "empty", input: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeDevice([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrMalformedPacket)
				assert.Equal(t, "Invalid JSON", errors.PeerMessage(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, string(got.Bytes()), "raw bytes preserved")
		})
	}
}

func TestDecodeClient(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ClientPacket
		wantErr bool
	}{
		{
			name:  "subscribe",
			input: `{"type":"serial","serial":"sensor-1"}`,
			want:  Subscribe{Serial: "sensor-1", Raw: []byte(`{"type":"serial","serial":"sensor-1"}`)},
		},
		{
			name:  "command",
			input: `{"type":"led","on":true}`,
			want:  Generic{Raw: []byte(`{"type":"led","on":true}`)},
		},
		{
			name:  "untyped",
			input: `{"on":true}`,
			want:  Generic{Raw: []byte(`{"on":true}`)},
		},
		{name: "subscribe without serial", input: `{"type":"serial"}`, wantErr: true},
		{name: "subscribe with object serial", input: `{"type":"serial","serial":{}}`, wantErr: true},
		{name: "not json", input: `{{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClient([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrMalformedPacket)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorReplies(t *testing.T) {
	assert.JSONEq(t, `{"error":1,"message":"Unauthorized"}`, string(DeviceError("Unauthorized")))
	assert.JSONEq(t, `{"type":"error","error":1,"message":"Client not found"}`, string(ClientError("Client not found")))
}
