package identity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/clawinfra/toolfabric/internal/types"
)

// enrollmentPayload is the out-of-band bundle an operator hands a device:
// an admin enrolls the device_id with the broker (external to the core,
// SPEC_FULL.md §4.10's "enrollment collaborator... its protocol is not
// part of the core") and encodes the resulting credential as a single
// opaque code the device decodes locally.
type enrollmentPayload struct {
	DeviceID    string `json:"device_id"`
	DeviceToken string `json:"device_token"`
	BrokerURL   string `json:"broker_url"`
}

// DecodeEnrollmentCode turns an out-of-band enrollment code into a
// DeviceIdentity ready to persist. The code itself is produced by
// whatever external process enrolls the device with the broker (e.g. an
// operator running a broker-side admin command) — decoding it is the only
// part of enrollment this package is responsible for.
func DecodeEnrollmentCode(code string) (types.DeviceIdentity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return types.DeviceIdentity{}, fmt.Errorf("malformed enrollment code: %w", err)
	}
	var payload enrollmentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.DeviceIdentity{}, fmt.Errorf("malformed enrollment code: %w", err)
	}
	if payload.DeviceID == "" || payload.DeviceToken == "" || payload.BrokerURL == "" {
		return types.DeviceIdentity{}, fmt.Errorf("enrollment code missing required fields")
	}
	return types.DeviceIdentity{
		DeviceID:    payload.DeviceID,
		DeviceToken: payload.DeviceToken,
		BrokerURL:   payload.BrokerURL,
		EnrolledAt:  EnrolledAt(),
	}, nil
}

// EncodeEnrollmentCode is the broker-admin side counterpart: wraps a freshly
// enrolled device's credentials into the code an operator hands to the
// device. Not called by the endpoint binary itself; kept alongside Decode
// since the two must always agree on the wire format.
func EncodeEnrollmentCode(deviceID, deviceToken, brokerURL string) (string, error) {
	raw, err := json.Marshal(enrollmentPayload{DeviceID: deviceID, DeviceToken: deviceToken, BrokerURL: brokerURL})
	if err != nil {
		return "", fmt.Errorf("encode enrollment code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
