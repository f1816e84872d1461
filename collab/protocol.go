package collab

import (
	"encoding/json"
	"fmt"
)

// client -> server
const (
	MessageTypeJoin           = "join"
	MessageTypeCursorUpdate   = "cursor_update"
	MessageTypeTemplateChange = "template_change"
	MessageTypeGetState       = "get_state"
	MessageTypePing           = "ping"
	MessageTypeLeave          = "leave"
)

// server -> client
// `cursor_update` and `template_change` are shared with the client direction
const (
	MessageTypeRoomState = "room_state"
	MessageTypeUserList  = "user_list"
	MessageTypeMetrics   = "metrics"
)

// the envelope in both directions. `type` drives dispatch
type Envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Username string          `json:"username,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
}

type JoinData struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type CursorUser struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// outbound `cursor_update`: `{user, ...CursorPosition}`
type CursorBroadcast struct {
	User CursorUser `json:"user"`
	CursorPosition
}

type ChangeUser struct {
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

// outbound `template_change`
type ChangeBroadcast struct {
	User       ChangeUser     `json:"user"`
	ChangeData TemplateChange `json:"changeData"`
}

func ParseEnvelope(message []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(message, envelope); err != nil {
		return nil, err
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return envelope, nil
}

// decodes `data` into `v`. A missing `data` leaves `v` unchanged.
func (self *Envelope) DecodeData(v any) error {
	if len(self.Data) == 0 {
		return nil
	}
	return json.Unmarshal(self.Data, v)
}

func EncodeMessage(messageType string, data any) ([]byte, error) {
	envelope := &Envelope{
		Type: messageType,
	}
	if data != nil {
		dataJson, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		envelope.Data = dataJson
	}
	return json.Marshal(envelope)
}

func RequireEncodeMessage(messageType string, data any) []byte {
	message, err := EncodeMessage(messageType, data)
	if err != nil {
		panic(err)
	}
	return message
}
