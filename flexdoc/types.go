// Package flexdoc evaluates a declarative flexbox page description into
// absolute-positioned draw lists. All geometry is in millimetres.
package flexdoc

import (
	"encoding/json"
	"fmt"
	"image"
)

// Document is the flexbox-document template payload.
type Document struct {
	Page   PageSpec `json:"page"`
	Header *Box     `json:"header,omitempty"`
	Footer *Box     `json:"footer,omitempty"`
	Pages  []Box    `json:"pages"`
}

// PageSpec fixes page size and the uniform content margin.
type PageSpec struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Margin float64 `json:"margin,omitempty"`
}

// Box is one node of a page tree. A box carries either content (Text or
// Image) or children, laid out along Dir with standard flex sizing.
type Box struct {
	Dir     string  `json:"dir,omitempty"` // row|column (default column)
	Width   float64 `json:"width,omitempty"`
	Height  float64 `json:"height,omitempty"`
	Basis   float64 `json:"basis,omitempty"`
	Grow    float64 `json:"grow,omitempty"`
	Shrink  *float64 `json:"shrink,omitempty"` // nil means 1
	Padding float64 `json:"padding,omitempty"`
	Gap     float64 `json:"gap,omitempty"`
	Align   string  `json:"align,omitempty"`   // start|center|end|stretch
	Justify string  `json:"justify,omitempty"` // start|center|end|space-between
	Wrap    bool    `json:"wrap,omitempty"`

	// Repeat clones this box once per element of the named array field.
	// On a page box the whole page is cloned per element. Repeat is
	// ignored on header and footer boxes.
	Repeat string `json:"repeat,omitempty"`

	// Background fills the box with a hex color before content is drawn.
	Background string `json:"background,omitempty"`

	Text     *TextSpec  `json:"text,omitempty"`
	Image    *ImageSpec `json:"image,omitempty"`
	Children []Box      `json:"children,omitempty"`
}

// TextSpec is a text run with placeholder tokens still unexpanded.
type TextSpec struct {
	Content    string  `json:"content"`
	Font       string  `json:"font,omitempty"`
	Size       float64 `json:"size,omitempty"`       // mm
	LineHeight float64 `json:"lineHeight,omitempty"` // mm
	Color      string  `json:"color,omitempty"`      // #rgb / #rrggbb
	Align      string  `json:"align,omitempty"`
}

// ImageSpec references an asset slot by name.
type ImageSpec struct {
	Slot string `json:"slot"`
	Fit  string `json:"fit,omitempty"`
}

// ParseDocument decodes the flexbox-document payload.
func ParseDocument(payload []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse flex document: %w", err)
	}
	return &doc, nil
}

// ---- Resolved draw lists ----

// Page is one laid-out page ready for drawing.
type Page struct {
	Width  float64
	Height float64
	Texts  []TextBox
	Images []ImageBox
	Rects  []Rect
}

// TextBox is a text block with final coordinates and wrapped lines.
type TextBox struct {
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Font       string
	FontSize   float64
	LineHeight float64
	Color      Color
	Align      string
	Lines      []TextLine
}

// TextLine is one wrapped line with its measured extent.
type TextLine struct {
	Content   string
	Width     float64
	Height    float64
	GapBefore float64
}

// ImageBox is a placed image or, when Placeholder is set, an absent-asset
// box of the same geometry.
type ImageBox struct {
	X           float64
	Y           float64
	Width       float64
	Height      float64
	Slot        string
	Img         image.Image
	Placeholder bool
}

// Rect is a stroked and optionally filled rectangle.
type Rect struct {
	X           float64
	Y           float64
	Width       float64
	Height      float64
	Stroke      Color
	StrokeWidth float64
	Fill        *Color
}

// Color holds 0-255 RGB components.
type Color struct {
	R int
	G int
	B int
}

// Typesetter splits text into drawable lines under a width constraint.
// The canvas renderer implements it; layout tests stub it.
type Typesetter interface {
	LayoutLines(content string, width float64, font string, fontSize, lineHeight float64) ([]TextLine, error)
}

func (b *Box) shrinkFactor() float64 {
	if b.Shrink == nil {
		return 1
	}
	return *b.Shrink
}

func (b *Box) isRow() bool { return b.Dir == "row" }
