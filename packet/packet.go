// Package packet decodes device and client frames once at the connection
// boundary. Shapes the gateway acts on are checked against JSON schemas;
// everything else is forwarded verbatim.
package packet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/picoscratch/mintgate/errors"
)

// DevicePacket is a frame received from a device: Sensor or Generic
type DevicePacket interface {
	Bytes() []byte
	devicePacket()
}

// ClientPacket is a frame received from a dashboard client: Subscribe or
// Generic
type ClientPacket interface {
	Bytes() []byte
	clientPacket()
}

// Sensor is a device frame carrying a serial. It establishes or refreshes
// ownership of that serial.
type Sensor struct {
	Serial string
	Raw    []byte
}

// Subscribe asks to receive a device's packets
type Subscribe struct {
	Serial string
	Raw    []byte
}

// Generic is any other JSON object, passed through untouched
type Generic struct {
	Raw []byte
}

func (p Sensor) Bytes() []byte    { return p.Raw }
func (p Subscribe) Bytes() []byte { return p.Raw }
func (p Generic) Bytes() []byte   { return p.Raw }

func (Sensor) devicePacket()    {}
func (Generic) devicePacket()   {}
func (Subscribe) clientPacket() {}
func (Generic) clientPacket()   {}

// SubscribeType is the client frame type that subscribes to a serial
const SubscribeType = "serial"

var (
	sensorSchema = mustSchema(`{
		"type": "object",
		"required": ["serial"],
		"properties": {
			"serial": {"type": "string", "minLength": 1, "maxLength": 256}
		}
	}`)
	subscribeSchema = mustSchema(`{
		"type": "object",
		"required": ["type", "serial"],
		"properties": {
			"type": {"enum": ["serial"]},
			"serial": {"type": "string", "minLength": 1, "maxLength": 256}
		}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("packet: invalid schema: %v", err))
	}
	return schema
}

// DecodeDevice classifies a device frame
func DecodeDevice(data []byte) (DevicePacket, error) {
	fields, err := object(data)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["serial"]; !ok {
		return Generic{Raw: data}, nil
	}
	if err := Validate(sensorSchema, data); err != nil {
		return nil, err
	}

	var serial string
	_ = json.Unmarshal(fields["serial"], &serial)
	return Sensor{Serial: serial, Raw: data}, nil
}

// DecodeClient classifies a client frame
func DecodeClient(data []byte) (ClientPacket, error) {
	fields, err := object(data)
	if err != nil {
		return nil, err
	}

	var typ string
	if raw, ok := fields["type"]; ok {
		_ = json.Unmarshal(raw, &typ)
	}
	if typ != SubscribeType {
		return Generic{Raw: data}, nil
	}
	if err := Validate(subscribeSchema, data); err != nil {
		return nil, err
	}

	var serial string
	_ = json.Unmarshal(fields["serial"], &serial)
	return Subscribe{Serial: serial, Raw: data}, nil
}

// object decodes the top level of a frame, which must be a JSON object
func object(data []byte) (map[string]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.WrapInvalid(errors.ErrMalformedPacket, "packet", "decode", "expect JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedPacket, err),
			"packet", "decode", "parse JSON")
	}
	return fields, nil
}

// Validate checks data against schema and reports violations as
// ErrMalformedPacket.
func Validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedPacket, err),
			"packet", "validate", "load document")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMalformedPacket, strings.Join(msgs, "; ")),
		"packet", "validate", "check schema")
}

type deviceError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type clientError struct {
	Type    string `json:"type"`
	Error   int    `json:"error"`
	Message string `json:"message"`
}

// DeviceError encodes an error reply for a device
func DeviceError(message string) []byte {
	data, _ := json.Marshal(deviceError{Error: 1, Message: message})
	return data
}

// ClientError encodes an error reply for a dashboard client
func ClientError(message string) []byte {
	data, _ := json.Marshal(clientError{Type: "error", Error: 1, Message: message})
	return data
}
