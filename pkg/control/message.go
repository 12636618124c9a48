package control

import (
	"encoding/json"

	"voicegate-server/pkg/errors"
)

// Message types accepted from the PBX-side bridge.
const (
	TypeCallStart = "call_start"
	TypeCallEnd   = "call_end"
	TypeDTMF      = "dtmf"
)

// Message is one JSON control message. A call_start binds a call id to its
// tenant, PBX leg and RTP source address; a call_end tears the call down;
// a dtmf reports one keypress.
type Message struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Tenant  string `json:"tenant,omitempty"`
	Leg     string `json:"leg,omitempty"`
	Caller  string `json:"caller,omitempty"`
	RTPAddr string `json:"rtp_addr,omitempty"`
	Digit   string `json:"digit,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Handler consumes decoded control messages.
type Handler func(msg *Message)

// ParseMessage decodes and validates one control message.
func ParseMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}

	switch msg.Type {
	case TypeCallStart, TypeCallEnd, TypeDTMF:
	default:
		return nil, errors.Wrap(errors.ErrInvalidInput, "unknown control message type",
			map[string]interface{}{"type": msg.Type})
	}
	if msg.CallID == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "control message missing call_id")
	}
	return msg, nil
}
