package txn

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Content limits mirror the server contract.
const (
	MaxContentLength  = 5000
	MinExtendDays     = 1
	MaxExtendDays     = 30
	DefaultExtendDays = 7
)

// validContentTypes is the closed set the capture endpoint accepts.
var validContentTypes = map[string]bool{
	"text":  true,
	"voice": true,
	"photo": true,
}

// Payload is the tagged union of per-type operation data. Each variant
// carries its own strict schema, validated at enqueue time.
type Payload interface {
	// Validate checks the payload shape against the variant's schema and
	// normalizes fields in place. Returns a *ValidationError on failure.
	Validate() error

	// TargetID returns the claw id this payload mutates, or "" for
	// payloads that create a new entity.
	TargetID() string

	// payloadType ties the variant to its transaction type.
	payloadType() Type
}

// CapturePayload creates a new claw. Context fields are optional; the
// backend auto-detects anything left empty.
type CapturePayload struct {
	Content      string   `json:"content"`
	ContentType  string   `json:"content_type"`
	LocationLat  *float64 `json:"location_lat,omitempty"`
	LocationLng  *float64 `json:"location_lng,omitempty"`
	LocationName string   `json:"location_name,omitempty"`
	TimeContext  string   `json:"time_context,omitempty"`
	AppTrigger   string   `json:"app_trigger,omitempty"`
}

func (p *CapturePayload) Validate() error {
	// Normalize to NFC before length checks so the limit matches what the
	// server will see.
	p.Content = norm.NFC.String(strings.TrimSpace(p.Content))
	if p.Content == "" {
		return newValidationError(TypeCapture, "content", "must not be empty")
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return newValidationError(TypeCapture, "content",
			fmt.Sprintf("exceeds %d characters", MaxContentLength))
	}
	if p.ContentType == "" {
		p.ContentType = "text"
	}
	if !validContentTypes[p.ContentType] {
		return newValidationError(TypeCapture, "content_type",
			fmt.Sprintf("unknown content type %q", p.ContentType))
	}
	if (p.LocationLat == nil) != (p.LocationLng == nil) {
		return newValidationError(TypeCapture, "location", "lat and lng must be set together")
	}
	return nil
}

func (p *CapturePayload) TargetID() string { return "" }
func (p *CapturePayload) payloadType() Type { return TypeCapture }

// StrikePayload completes a claw. Coordinates are optional pattern-learning
// input, passed through to the server untouched.
type StrikePayload struct {
	ClawID string   `json:"claw_id"`
	Lat    *float64 `json:"lat,omitempty"`
	Lng    *float64 `json:"lng,omitempty"`
}

func (p *StrikePayload) Validate() error {
	if p.ClawID == "" {
		return newValidationError(TypeStrike, "claw_id", "must not be empty")
	}
	if (p.Lat == nil) != (p.Lng == nil) {
		return newValidationError(TypeStrike, "location", "lat and lng must be set together")
	}
	return nil
}

func (p *StrikePayload) TargetID() string { return p.ClawID }
func (p *StrikePayload) payloadType() Type { return TypeStrike }

// ReleasePayload expires a claw early.
type ReleasePayload struct {
	ClawID string `json:"claw_id"`
}

func (p *ReleasePayload) Validate() error {
	if p.ClawID == "" {
		return newValidationError(TypeRelease, "claw_id", "must not be empty")
	}
	return nil
}

func (p *ReleasePayload) TargetID() string { return p.ClawID }
func (p *ReleasePayload) payloadType() Type { return TypeRelease }

// ExtendPayload pushes a claw's expiry out by Days.
type ExtendPayload struct {
	ClawID string `json:"claw_id"`
	Days   int    `json:"days"`
}

func (p *ExtendPayload) Validate() error {
	if p.ClawID == "" {
		return newValidationError(TypeExtend, "claw_id", "must not be empty")
	}
	if p.Days == 0 {
		p.Days = DefaultExtendDays
	}
	if p.Days < MinExtendDays || p.Days > MaxExtendDays {
		return newValidationError(TypeExtend, "days",
			fmt.Sprintf("must be between %d and %d", MinExtendDays, MaxExtendDays))
	}
	return nil
}

func (p *ExtendPayload) TargetID() string { return p.ClawID }
func (p *ExtendPayload) payloadType() Type { return TypeExtend }

// ValidatePayload checks that payload is the right variant for typ and that
// its shape is valid. This is the single enqueue-time gate: a payload that
// passes here never fails validation again locally.
func ValidatePayload(typ Type, payload Payload) error {
	if !typ.Valid() {
		return newValidationError(typ, "type", "unknown transaction type")
	}
	if payload == nil {
		return newValidationError(typ, "payload", "must not be nil")
	}
	if payload.payloadType() != typ {
		return newValidationError(typ, "payload",
			fmt.Sprintf("payload variant %s does not match transaction type", payload.payloadType()))
	}
	return payload.Validate()
}

// MarshalPayload serializes a payload to JSON text for storage.
func MarshalPayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload parses stored JSON text into the payload variant for typ.
func UnmarshalPayload(typ Type, data string) (Payload, error) {
	var p Payload
	switch typ {
	case TypeCapture:
		p = &CapturePayload{}
	case TypeStrike:
		p = &StrikePayload{}
	case TypeRelease:
		p = &ReleasePayload{}
	case TypeExtend:
		p = &ExtendPayload{}
	default:
		return nil, fmt.Errorf("unmarshal payload: unknown type %q", typ)
	}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", typ, err)
	}
	return p, nil
}

// RetargetPayload returns a copy of p with its target claw id replaced.
// Used when a dependent transaction's optimistic target resolves to the
// server-assigned id after the capture confirms.
func RetargetPayload(p Payload, clawID string) Payload {
	switch v := p.(type) {
	case *StrikePayload:
		c := *v
		c.ClawID = clawID
		return &c
	case *ReleasePayload:
		c := *v
		c.ClawID = clawID
		return &c
	case *ExtendPayload:
		c := *v
		c.ClawID = clawID
		return &c
	default:
		return p
	}
}
