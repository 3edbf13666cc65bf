package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/makt28/vigil/internal/model"
)

// MessageType tags the payload carried by an Envelope.
type MessageType string

const (
	TypeSignup   MessageType = "signup"
	TypeValidate MessageType = "validate"
)

// Envelope is the JSON frame exchanged between hub and validators.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SignupRequest is sent by a validator right after it connects.
type SignupRequest struct {
	IP            string `json:"ip"`
	PublicKey     string `json:"publicKey"`
	SignedMessage string `json:"signedMessage"`
	CallbackID    string `json:"callbackId"`
}

// SignupResponse is the hub's reply to a verified signup.
type SignupResponse struct {
	ValidatorID string `json:"validatorId"`
	CallbackID  string `json:"callbackId"`
}

// ValidateRequest asks a validator to probe a URL.
type ValidateRequest struct {
	URL               string          `json:"url"`
	CallbackID        string          `json:"callbackId"`
	WebsiteID         string          `json:"websiteId"`
	Retries           int             `json:"retries"`
	CheckType         model.CheckType `json:"checkType"`
	ExpectedKeyword   string          `json:"expectedKeyword,omitempty"`
	DNSRecordType     string          `json:"dnsRecordType,omitempty"`
	DNSExpectedValue  string          `json:"dnsExpectedValue,omitempty"`
	TLSWarningDaysCSV string          `json:"tlsWarningDaysCsv,omitempty"`
	MultiStepConfig   string          `json:"multiStepConfig,omitempty"`
}

// NewValidateRequest builds a request for url from a check spec.
// CallbackID is filled in by the correlator.
func NewValidateRequest(websiteID, url string, retries int, spec model.CheckSpec) ValidateRequest {
	return ValidateRequest{
		URL:               url,
		WebsiteID:         websiteID,
		Retries:           retries,
		CheckType:         spec.Type,
		ExpectedKeyword:   spec.ExpectedKeyword,
		DNSRecordType:     spec.DNSRecordType,
		DNSExpectedValue:  spec.DNSExpectedValue,
		TLSWarningDaysCSV: spec.TLSWarningDaysCSV,
		MultiStepConfig:   spec.MultiStepConfig,
	}
}

// CheckSpec reassembles the check specification carried by the request.
func (r ValidateRequest) CheckSpec() model.CheckSpec {
	return model.CheckSpec{
		Type:              r.CheckType,
		ExpectedKeyword:   r.ExpectedKeyword,
		DNSRecordType:     r.DNSRecordType,
		DNSExpectedValue:  r.DNSExpectedValue,
		TLSWarningDaysCSV: r.TLSWarningDaysCSV,
		MultiStepConfig:   r.MultiStepConfig,
	}
}

// ValidateResponse is a validator's signed probe result.
type ValidateResponse struct {
	CallbackID    string            `json:"callbackId"`
	Status        model.CheckStatus `json:"status"`
	Latency       int64             `json:"latency"`
	WebsiteID     string            `json:"websiteId"`
	ValidatorID   string            `json:"validatorId"`
	SignedMessage string            `json:"signedMessage"`
	Severity      model.Severity    `json:"severity"`
	Details       string            `json:"details,omitempty"`
}

// Encode wraps v in an envelope of type t.
func Encode(t MessageType, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s data: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode parses an envelope. The caller unmarshals Data according to Type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	switch env.Type {
	case TypeSignup, TypeValidate:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("protocol: unknown message type %q", env.Type)
	}
}

// SignupChallenge is the text a validator signs when signing up.
func SignupChallenge(callbackID, publicKey string) string {
	return fmt.Sprintf("Signed message for %s, %s", callbackID, publicKey)
}

// ReplyChallenge is the text a validator signs when answering a request.
func ReplyChallenge(callbackID string) string {
	return "Replying to " + callbackID
}
