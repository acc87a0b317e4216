package robotlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind classifies an inbound line.
type Kind int

const (
	KindUnknown Kind = iota
	KindState
	KindNominal
	KindCertificateAvailable
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindNominal:
		return "nominal"
	case KindCertificateAvailable:
		return "cbf_available"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned for lines that look like messages but cannot be
// decoded.
var ErrMalformed = errors.New("malformed message")

// Message is one decoded inbound line.
type Message struct {
	Kind      Kind
	Vector    []float64
	Available bool
}

type wireMessage struct {
	State        []float64 `json:"state,omitempty"`
	Nominal      []float64 `json:"nominal,omitempty"`
	CBFAvailable *bool     `json:"cbf_available,omitempty"`
	CmdVel       []float64 `json:"cmd_vel,omitempty"`
	SafetyValue  *float64  `json:"safety_value,omitempty"`
}

// ParseMessage decodes one inbound line. Lines that are not JSON objects,
// or objects without a recognised key, are KindUnknown with a nil error.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Message{Kind: KindUnknown}, nil
	}
	var w wireMessage
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case w.State != nil:
		if err := checkFinite(w.State); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindState, Vector: w.State}, nil
	case w.Nominal != nil:
		if err := checkFinite(w.Nominal); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindNominal, Vector: w.Nominal}, nil
	case w.CBFAvailable != nil:
		return Message{Kind: KindCertificateAvailable, Available: *w.CBFAvailable}, nil
	}
	return Message{Kind: KindUnknown}, nil
}

func checkFinite(v []float64) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrMalformed)
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite value in %v", ErrMalformed, v)
		}
	}
	return nil
}

// EncodeCommand renders a velocity command line.
func EncodeCommand(u []float64) string {
	return `{"cmd_vel":` + formatVector(u) + `}`
}

// EncodeSafetyValue renders a safety value line.
func EncodeSafetyValue(v float64) string {
	return `{"safety_value":` + formatFloat(v) + `}`
}

// EncodeState renders a state line, as sent by the robot.
func EncodeState(x []float64) string {
	return `{"state":` + formatVector(x) + `}`
}

// ParseCommand decodes a cmd_vel line, as read by the robot.
func ParseCommand(line string) ([]float64, bool) {
	var w wireMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &w); err != nil || w.CmdVel == nil {
		return nil, false
	}
	return w.CmdVel, true
}

func formatVector(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatFloat(x))
	}
	b.WriteByte(']')
	return b.String()
}

// formatFloat writes JSON-safe numbers; non-finite values become 0 since
// JSON cannot carry them.
func formatFloat(x float64) string {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return "0"
	}
	return strconv.FormatFloat(x, 'g', -1, 64)
}
