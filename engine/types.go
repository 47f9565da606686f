package engine

import (
	"context"

	"github.com/sheetpress/sheetpress/bridge"
	"github.com/sheetpress/sheetpress/fields"
)

// Format selects how a template payload is interpreted.
type Format string

const (
	// FormatScript: author source compiled and run in the sandbox.
	FormatScript Format = "script"
	// FormatMarkup: tag markup rasterized by the external markup service.
	FormatMarkup Format = "markup"
	// FormatFlexDoc: declarative flexbox document laid out locally.
	FormatFlexDoc Format = "flexdoc"
	// FormatPublishing: script skeleton run on the remote
	// desktop-publishing service.
	FormatPublishing Format = "publishing"
)

// OutputKind selects the artifact encoding.
type OutputKind string

const (
	OutputPDF OutputKind = "pdf"
	OutputPNG OutputKind = "png"
)

// Template is a stored, renderable template.
type Template struct {
	ID     string
	Format Format
	// Fields declares the substitutable fields with their fallbacks.
	Fields []fields.Def
	// Slots declares the asset slots the payload references.
	Slots []fields.SlotDef
	// Payload is the format-specific template body.
	Payload []byte
	// Fallback is an optional known-good script source used when a
	// script payload fails to compile or run. Only meaningful for
	// FormatScript.
	Fallback []byte
}

// Request is one render invocation.
type Request struct {
	TemplateID string
	// Format, when set, must match the stored template's format.
	Format      Format
	FieldValues map[string]any
	AssetRefs   map[string]string
	Output      OutputKind
	// DPI applies to raster output. Zero means the 150 dpi default.
	DPI float64
}

// Metrics describes one render, successful or not.
type Metrics struct {
	DurationMS int64
	// Cost is the remote-reported cost for publishing renders, zero
	// otherwise.
	Cost float64
}

// ErrorInfo is the serializable failure description inside a Result.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
}

// Result is the outcome of one render. Bytes is set only when OK; Err is
// set only when not. Metrics is always present.
type Result struct {
	OK      bool
	Bytes   []byte
	Err     *ErrorInfo
	Metrics Metrics
	// UsedFallback reports that the script payload failed and the
	// known-good fallback produced these bytes instead.
	UsedFallback bool
	// Warning carries the payload failure when UsedFallback is set.
	Warning string
}

// TemplateStore loads templates by id. A nil template with a nil error
// means not found.
type TemplateStore interface {
	Get(ctx context.Context, id string) (*Template, error)
}

// MarkupRasterizer turns serialized markup into artifact bytes. The
// markup service client implements it.
type MarkupRasterizer interface {
	Rasterize(ctx context.Context, doc []byte, kind string, dpi float64) ([]byte, error)
}

// PublishingBridge runs a publishing job remotely. Implemented by the
// bridge client.
type PublishingBridge interface {
	Render(ctx context.Context, script string, f fields.Map, assets fields.AssetMap, kind string) ([]byte, bridge.RunInfo, error)
}
