package domain

import "maps"

type ObjectType string

const (
	ObjectTypeSticky    ObjectType = "sticky"
	ObjectTypeRectangle ObjectType = "rectangle"
	ObjectTypeCircle    ObjectType = "circle"
	ObjectTypeLine      ObjectType = "line"
	ObjectTypeConnector ObjectType = "connector"
	ObjectTypeText      ObjectType = "text"
	ObjectTypeFrame     ObjectType = "frame"
)

// DocumentObject is a single typed entity on a canvas. UpdatedAt is the
// timestamp (unix millis) of the last operation applied to it.
type DocumentObject struct {
	ID          string         `json:"id" validate:"required,max=128"`
	Type        ObjectType     `json:"type" validate:"required,oneof=sticky rectangle circle line connector text frame"`
	ParentID    *string        `json:"parent_id"`
	X           float64        `json:"x"`
	Y           float64        `json:"y"`
	Width       float64        `json:"width" validate:"gte=0"`
	Height      float64        `json:"height" validate:"gte=0"`
	Rotation    float64        `json:"rotation"`
	Color       string         `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Text        string         `json:"text,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	ClipContent bool           `json:"clip_content"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with o. An empty data
// map is normalized to nil.
func (o DocumentObject) Clone() DocumentObject {
	if o.ParentID != nil {
		parent := *o.ParentID
		o.ParentID = &parent
	}
	if len(o.Data) == 0 {
		o.Data = nil
	} else {
		o.Data = maps.Clone(o.Data)
	}
	return o
}

// ObjectMap is the full state of a document keyed by object id.
type ObjectMap map[string]DocumentObject

func (m ObjectMap) Clone() ObjectMap {
	out := make(ObjectMap, len(m))
	for id, obj := range m {
		out[id] = obj.Clone()
	}
	return out
}

// ObjectPatch is a partial update. Nil fields are left untouched. A non-nil
// ParentID pointing at "" clears the parent. Data, when non-nil, replaces the
// whole data map; an empty map clears it.
type ObjectPatch struct {
	ParentID    *string        `json:"parent_id,omitempty"`
	X           *float64       `json:"x,omitempty"`
	Y           *float64       `json:"y,omitempty"`
	Width       *float64       `json:"width,omitempty" validate:"omitempty,gte=0"`
	Height      *float64       `json:"height,omitempty" validate:"omitempty,gte=0"`
	Rotation    *float64       `json:"rotation,omitempty"`
	Color       *string        `json:"color,omitempty"`
	Text        *string        `json:"text,omitempty"`
	Data        map[string]any `json:"data"`
	ClipContent *bool          `json:"clip_content,omitempty"`
}

func (p ObjectPatch) IsEmpty() bool {
	return p.ParentID == nil && p.X == nil && p.Y == nil && p.Width == nil &&
		p.Height == nil && p.Rotation == nil && p.Color == nil && p.Text == nil &&
		p.Data == nil && p.ClipContent == nil
}

// ApplyTo returns obj with the patch applied.
func (p ObjectPatch) ApplyTo(obj DocumentObject) DocumentObject {
	obj = obj.Clone()
	if p.ParentID != nil {
		if *p.ParentID == "" {
			obj.ParentID = nil
		} else {
			parent := *p.ParentID
			obj.ParentID = &parent
		}
	}
	if p.X != nil {
		obj.X = *p.X
	}
	if p.Y != nil {
		obj.Y = *p.Y
	}
	if p.Width != nil {
		obj.Width = *p.Width
	}
	if p.Height != nil {
		obj.Height = *p.Height
	}
	if p.Rotation != nil {
		obj.Rotation = *p.Rotation
	}
	if p.Color != nil {
		obj.Color = *p.Color
	}
	if p.Text != nil {
		obj.Text = *p.Text
	}
	if p.Data != nil {
		obj.Data = maps.Clone(p.Data)
		if len(obj.Data) == 0 {
			obj.Data = nil
		}
	}
	if p.ClipContent != nil {
		obj.ClipContent = *p.ClipContent
	}
	return obj
}

// FullPatch returns a patch that sets every mutable field of obj. Applying it
// to any version of the same object yields obj (modulo UpdatedAt).
func FullPatch(obj DocumentObject) ObjectPatch {
	obj = obj.Clone()
	parent := ""
	if obj.ParentID != nil {
		parent = *obj.ParentID
	}
	data := obj.Data
	if data == nil {
		data = map[string]any{}
	}
	return ObjectPatch{
		ParentID:    &parent,
		X:           &obj.X,
		Y:           &obj.Y,
		Width:       &obj.Width,
		Height:      &obj.Height,
		Rotation:    &obj.Rotation,
		Color:       &obj.Color,
		Text:        &obj.Text,
		Data:        data,
		ClipContent: &obj.ClipContent,
	}
}
