package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"stagehand/apps/server/internal/coordinator"
)

// Message types that are not coordinator events.
const (
	TypeError     = "error"
	TypeCommitted = "staging_committed"

	TypeEnterRegion = "enter_region"
	TypeApprove     = "approve"
	TypeRegenerate  = "regenerate"
	TypePreStage    = "pre_stage"
	TypeCancel      = "cancel"
	TypeInvalidate  = "invalidate"
)

// Envelope is the frame exchanged with WebSocket clients in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	RegionID  string          `json:"regionId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMs      int64           `json:"tsMs,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codec turns envelopes into frames.
type Codec interface {
	Name() string
	// Binary reports whether frames go out as binary WebSocket messages.
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// ForName returns the codec registered under name; empty means JSON.
func ForName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "proto", "protobuf":
		return Proto{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type JSON struct{}

func (JSON) Name() string { return "json" }
func (JSON) Binary() bool { return false }

func (JSON) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSON) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode json envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode json envelope: missing type")
	}
	return env, nil
}

// Proto carries the envelope as a google.protobuf.Struct.
type Proto struct{}

func (Proto) Name() string { return "proto" }
func (Proto) Binary() bool { return true }

func (Proto) Encode(env Envelope) ([]byte, error) {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(env.Type),
	}
	if env.RequestID != "" {
		fields["requestId"] = structpb.NewStringValue(env.RequestID)
	}
	if env.RegionID != "" {
		fields["regionId"] = structpb.NewStringValue(env.RegionID)
	}
	if env.Seq != 0 {
		fields["seq"] = structpb.NewNumberValue(float64(env.Seq))
	}
	if env.TsMs != 0 {
		fields["tsMs"] = structpb.NewNumberValue(float64(env.TsMs))
	}
	if len(env.Payload) > 0 {
		payload := &structpb.Value{}
		if err := payload.UnmarshalJSON(env.Payload); err != nil {
			return nil, fmt.Errorf("encode proto payload: %w", err)
		}
		fields["payload"] = payload
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

func (Proto) Decode(data []byte) (Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return Envelope{}, fmt.Errorf("decode proto envelope: %w", err)
	}
	f := s.GetFields()
	env := Envelope{
		Type:      f["type"].GetStringValue(),
		RequestID: f["requestId"].GetStringValue(),
		RegionID:  f["regionId"].GetStringValue(),
		Seq:       uint64(f["seq"].GetNumberValue()),
		TsMs:      int64(f["tsMs"].GetNumberValue()),
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode proto envelope: missing type")
	}
	if p, ok := f["payload"]; ok {
		raw, err := p.MarshalJSON()
		if err != nil {
			return Envelope{}, fmt.Errorf("decode proto payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Wrap builds an envelope around any payload.
func Wrap(typ string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Type: typ, Seq: seq, TsMs: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env.Payload = raw
	return env, nil
}

// WrapEvent builds an envelope for a coordinator event, lifting its request
// and region ids into the header.
func WrapEvent(seq uint64, ev coordinator.Event) (Envelope, error) {
	env, err := Wrap(ev.Kind(), seq, ev)
	if err != nil {
		return Envelope{}, err
	}
	switch e := ev.(type) {
	case coordinator.ApprovalRequired:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.ProposalRegenerated:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.WaitingUpdated:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.Resolved:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.Pending:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.Ready:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	case coordinator.Cancelled:
		env.RequestID, env.RegionID = e.RequestID, e.RegionID
	}
	return env, nil
}

// WrapError builds an error envelope.
func WrapError(seq uint64, code, msg string) Envelope {
	env, _ := Wrap(TypeError, seq, ErrorPayload{Code: code, Message: msg})
	return env
}
