// ABOUTME: Push-channel envelope format and codecs for text (JSON) and binary (CBOR) frames.
// ABOUTME: Payloads are decoded into typed events; malformed ones are rejected with ErrMalformed.

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/2389/coven-fleet/internal/agent"
)

// Event types carried on the push channel.
const (
	TypeAgentRegistered    = "agent.registered"
	TypeAgentHeartbeat     = "agent.heartbeat"
	TypeAgentStatusChanged = "agent.status_changed"
	TypeAgentDeregistered  = "agent.deregistered"
	TypeStatsUpdated       = "stats.updated"
)

// ErrMalformed marks an envelope or payload that cannot be applied.
var ErrMalformed = errors.New("malformed event")

// ErrUnknownType marks an envelope with an unrecognized type.
var ErrUnknownType = errors.New("unknown event type")

// Envelope is one push-channel message. ID is optional and used only for
// duplicate suppression.
type Envelope struct {
	ID      string `json:"id,omitempty" cbor:"id,omitempty"`
	Type    string `json:"type" cbor:"type"`
	Payload any    `json:"payload,omitempty" cbor:"payload,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ingest: CBOR encoder initialization failed: " + err.Error())
	}

	// any-typed payloads must decode to map[string]any, not map[any]any,
	// so they can be re-read as JSON
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ingest: CBOR decoder initialization failed: " + err.Error())
	}
}

// DecodeJSON decodes a text frame.
func DecodeJSON(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodeCBOR decodes a binary frame.
func DecodeCBOR(data []byte) (Envelope, error) {
	var env Envelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// EncodeJSON encodes an envelope as a text frame.
func EncodeJSON(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// EncodeCBOR encodes an envelope as a binary frame using core deterministic encoding.
func EncodeCBOR(env Envelope) ([]byte, error) {
	return cborEnc.Marshal(env)
}

// eventTime accepts RFC 3339 strings or unix milliseconds.
type eventTime time.Time

func (t *eventTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*t = eventTime{}
		return nil
	}
	if s[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return err
		}
		*t = eventTime(parsed)
		return nil
	}
	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*t = eventTime(time.UnixMilli(int64(ms)))
	return nil
}

type agentPayload struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Status        string    `json:"status"`
	Capabilities  []string  `json:"capabilities"`
	LastHeartbeat eventTime `json:"last_heartbeat"`
}

type registeredPayload struct {
	Agent *agentPayload `json:"agent"`
}

type heartbeatPayload struct {
	ID        string    `json:"id"`
	Timestamp eventTime `json:"timestamp"`
}

type statusChangedPayload struct {
	ID        string `json:"id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

type deregisteredPayload struct {
	ID string `json:"id"`
}

// decodePayload re-reads an any-typed payload into dst through JSON, so
// text and binary frames share one schema.
func decodePayload(payload any, dst any) error {
	if payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func parseRole(s string) (agent.Role, error) {
	switch agent.Role(s) {
	case agent.RoleLeader, agent.RoleWorker:
		return agent.Role(s), nil
	case "":
		return agent.RoleWorker, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrMalformed, s)
	}
}

func parseStatus(s string) (agent.Status, error) {
	switch agent.Status(s) {
	case agent.StatusIdle, agent.StatusBusy, agent.StatusOffline, agent.StatusError:
		return agent.Status(s), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformed, s)
	}
}

func (p *agentPayload) toLiveAgent() (agent.LiveAgent, error) {
	if p.ID == "" {
		return agent.LiveAgent{}, fmt.Errorf("%w: agent id missing", ErrMalformed)
	}
	role, err := parseRole(p.Role)
	if err != nil {
		return agent.LiveAgent{}, err
	}
	status := agent.StatusIdle
	if p.Status != "" {
		if status, err = parseStatus(p.Status); err != nil {
			return agent.LiveAgent{}, err
		}
	}
	return agent.LiveAgent{
		ID:            p.ID,
		Name:          p.Name,
		Role:          role,
		Status:        status,
		Capabilities:  p.Capabilities,
		LastHeartbeat: time.Time(p.LastHeartbeat),
	}, nil
}
