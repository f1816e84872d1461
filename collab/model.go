package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// colors are assigned by `memberCount mod len(UserColors)` at first join
var UserColors = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
	"#F7DC6F",
	"#BB8FCE",
	"#85C1E9",
}

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar,omitempty"`
	Color        string    `json:"color"`
	LastActivity time.Time `json:"lastActivity"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// the inbound `cursor_update` payload
type CursorUpdate struct {
	SectionId string          `json:"sectionId,omitempty"`
	ElementId string          `json:"elementId,omitempty"`
	Position  *Point          `json:"position,omitempty"`
	Selection *SelectionRange `json:"selection,omitempty"`
}

type CursorPosition struct {
	UserId string `json:"userId"`
	CursorUpdate
	Timestamp time.Time `json:"timestamp"`
}

type ChangeType string

const (
	ChangeTypeAdd    ChangeType = "add"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
	ChangeTypeMove   ChangeType = "move"
)

type TargetType string

const (
	TargetTypeSection  TargetType = "section"
	TargetTypeElement  TargetType = "element"
	TargetTypeTemplate TargetType = "template"
)

// the inbound `template_change` payload
type ChangeData struct {
	Type       ChangeType      `json:"type"`
	TargetType TargetType      `json:"targetType"`
	TargetId   string          `json:"targetId,omitempty"`
	ParentId   string          `json:"parentId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (self *ChangeData) Validate() error {
	switch self.Type {
	case ChangeTypeAdd, ChangeTypeUpdate, ChangeTypeDelete, ChangeTypeMove:
	default:
		return fmt.Errorf("unknown change type \"%s\"", self.Type)
	}
	switch self.TargetType {
	case TargetTypeSection, TargetTypeElement, TargetTypeTemplate:
	default:
		return fmt.Errorf("unknown target type \"%s\"", self.TargetType)
	}
	return nil
}

// immutable once recorded
type TemplateChange struct {
	Id     Id     `json:"id"`
	UserId string `json:"userId"`
	ChangeData
	Timestamp time.Time `json:"timestamp"`
}

type RoomSnapshot struct {
	RoomId          string           `json:"roomId"`
	TemplateId      string           `json:"templateId"`
	Users           []User           `json:"users"`
	CursorPositions []CursorPosition `json:"cursorPositions"`
	LastChanges     []TemplateChange `json:"lastChanges"`
}

func RoomId(templateId string) string {
	return fmt.Sprintf("template_%s", templateId)
}
