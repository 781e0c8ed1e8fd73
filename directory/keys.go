package directory

import (
	"encoding/base64"
	"strings"
)

const encodedPrefix = "b64_"

// Key prefixes in the directory bucket
const (
	prefixSocket = "socket"
	prefixClient = "client"
	prefixSub    = "sub"
	prefixDevice = "device"
	prefixServer = "server"

	keyNewsletter = "newsletter"
)

// EncodeSerial makes serial usable as one KV key token. Serials made of
// [-_a-zA-Z0-9] pass through; anything else, and anything that already
// looks encoded, becomes b64_<base64url>.
func EncodeSerial(serial string) string {
	if serial != "" && !strings.HasPrefix(serial, encodedPrefix) && isPlainToken(serial) {
		return serial
	}
	return encodedPrefix + base64.RawURLEncoding.EncodeToString([]byte(serial))
}

// DecodeSerial reverses EncodeSerial
func DecodeSerial(token string) (string, error) {
	if !strings.HasPrefix(token, encodedPrefix) {
		return token, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, encodedPrefix))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func isPlainToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func socketKey(serial string) string {
	return prefixSocket + "." + EncodeSerial(serial)
}

func deviceKey(serial string) string {
	return prefixDevice + "." + EncodeSerial(serial)
}

func clientKey(node, id string) string {
	return prefixClient + "." + node + "." + id
}

func subKey(serial, node, id string) string {
	return prefixSub + "." + EncodeSerial(serial) + "." + node + "." + id
}

func serverKey(node string) string {
	return prefixServer + "." + node
}

// parseSubKey splits sub.<serial>.<node>.<id>
func parseSubKey(key string) (serialToken, node, id string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 || parts[0] != prefixSub {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// parseClientKey splits client.<node>.<id>
func parseClientKey(key string) (node, id string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != prefixClient {
		return "", "", false
	}
	return parts[1], parts[2], true
}
