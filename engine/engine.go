// Package engine dispatches render requests across the supported
// template formats and normalizes their outcomes into one Result shape.
package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sheetpress/sheetpress/bridge"
	"github.com/sheetpress/sheetpress/fields"
	"github.com/sheetpress/sheetpress/flexdoc"
	"github.com/sheetpress/sheetpress/markup"
	"github.com/sheetpress/sheetpress/render"
	"github.com/sheetpress/sheetpress/sandbox"
)

// Engine renders templates. All collaborator fields are required except
// Bridge and Markup, which may be nil when the deployment does not serve
// those formats, and Logger, which defaults to a no-op.
type Engine struct {
	Templates  TemplateStore
	Assets     fields.Store
	Renderer   render.Renderer
	Typesetter flexdoc.Typesetter
	Sandbox    *sandbox.Runtime
	Bridge     PublishingBridge
	Markup     MarkupRasterizer
	Logger     *zap.Logger
}

// Render executes one request. It never returns an error: failures are
// reported inside the Result, with the duration measured regardless of
// outcome and no partial bytes on failure.
func (e *Engine) Render(ctx context.Context, req Request) Result {
	start := time.Now()
	log := e.logger().With(
		zap.String("templateId", req.TemplateID),
		zap.String("output", string(req.Output)))

	tmpl, rerr := e.loadTemplate(ctx, req)
	if rerr != nil {
		return e.fail(log, start, rerr)
	}

	f := fields.Resolve(tmpl.Fields, req.FieldValues)
	if rerr := checkRequiredSlots(tmpl.Slots, req.AssetRefs); rerr != nil {
		return e.fail(log, start, rerr)
	}
	assets := fields.ResolveAssets(ctx, tmpl.Slots, req.AssetRefs, e.Assets)

	var (
		artifact     []byte
		cost         float64
		usedFallback bool
		warning      string
	)
	switch tmpl.Format {
	case FormatMarkup:
		artifact, rerr = e.renderMarkup(ctx, tmpl, req, f, assets)
	case FormatFlexDoc:
		artifact, rerr = e.renderFlexDoc(tmpl, req, f, assets)
	case FormatScript:
		artifact, usedFallback, warning, rerr = e.renderScript(ctx, tmpl, req, f, assets)
	case FormatPublishing:
		artifact, cost, rerr = e.renderPublishing(ctx, tmpl, req, f, assets)
	default:
		rerr = errorf(TemplateNotFound, "template %s has unknown format %q", tmpl.ID, tmpl.Format)
	}
	if rerr != nil {
		return e.fail(log, start, rerr)
	}

	res := Result{
		OK:           true,
		Bytes:        artifact,
		Metrics:      Metrics{DurationMS: time.Since(start).Milliseconds(), Cost: cost},
		UsedFallback: usedFallback,
		Warning:      warning,
	}
	log.Info("render complete",
		zap.String("format", string(tmpl.Format)),
		zap.Int("bytes", len(artifact)),
		zap.Int64("durationMs", res.Metrics.DurationMS),
		zap.Bool("usedFallback", usedFallback))
	return res
}

func (e *Engine) loadTemplate(ctx context.Context, req Request) (*Template, *RenderError) {
	tmpl, err := e.Templates.Get(ctx, req.TemplateID)
	if err != nil {
		return nil, errorf(TemplateNotFound, "loading template %s: %v", req.TemplateID, err)
	}
	if tmpl == nil {
		return nil, errorf(TemplateNotFound, "template %s does not exist", req.TemplateID)
	}
	if req.Format != "" && req.Format != tmpl.Format {
		return nil, errorf(TemplateNotFound, "template %s is %s, not %s", tmpl.ID, tmpl.Format, req.Format)
	}
	return tmpl, nil
}

func checkRequiredSlots(slots []fields.SlotDef, refs map[string]string) *RenderError {
	for _, slot := range slots {
		if slot.Required && refs[slot.Name] == "" {
			return errorf(FieldResolutionError, "required asset slot %q has no reference", slot.Name)
		}
	}
	return nil
}

func (e *Engine) renderMarkup(ctx context.Context, tmpl *Template, req Request, f fields.Map, assets fields.AssetMap) ([]byte, *RenderError) {
	if e.Markup == nil {
		return nil, errorf(LayoutError, "markup rendering is not configured")
	}
	tree, err := markup.Parse(string(tmpl.Payload))
	if err != nil {
		return nil, newError(SubstitutionError, fmt.Errorf("template %s: %w", tmpl.ID, err))
	}
	doc := markup.Serialize(markup.Substitute(tree, f, assets))
	out, err := e.Markup.Rasterize(ctx, []byte(doc), string(req.Output), req.DPI)
	if err != nil {
		return nil, newError(LayoutError, err)
	}
	return out, nil
}

func (e *Engine) renderFlexDoc(tmpl *Template, req Request, f fields.Map, assets fields.AssetMap) ([]byte, *RenderError) {
	doc, err := flexdoc.ParseDocument(tmpl.Payload)
	if err != nil {
		return nil, newError(SubstitutionError, fmt.Errorf("template %s: %w", tmpl.ID, err))
	}
	return e.layoutAndDraw(doc, req, f, assets)
}

// renderScript runs the sandboxed payload and, when it fails and a
// known-good fallback exists, renders the fallback instead. The fallback
// path is reported explicitly: UsedFallback set, Warning carrying the
// payload failure.
func (e *Engine) renderScript(ctx context.Context, tmpl *Template, req Request, f fields.Map, assets fields.AssetMap) (out []byte, usedFallback bool, warning string, rerr *RenderError) {
	doc, err := e.Sandbox.Execute(ctx, string(tmpl.Payload), f, assets)
	if err == nil {
		out, rerr = e.layoutAndDraw(doc, req, f, assets)
		return out, false, "", rerr
	}

	if len(tmpl.Fallback) == 0 {
		return nil, false, "", classifyScriptError(err)
	}

	e.logger().Warn("script payload failed, rendering fallback",
		zap.String("templateId", tmpl.ID), zap.Error(err))
	doc, fbErr := e.Sandbox.Execute(ctx, string(tmpl.Fallback), f, assets)
	if fbErr != nil {
		// The fallback is supposed to be known good; report the
		// original failure, not the fallback's.
		return nil, false, "", classifyScriptError(err)
	}
	out, rerr = e.layoutAndDraw(doc, req, f, assets)
	if rerr != nil {
		return nil, false, "", rerr
	}
	return out, true, fmt.Sprintf("template script failed, fallback rendered: %v", err), nil
}

func classifyScriptError(err error) *RenderError {
	var compileErr *sandbox.CompileError
	if errors.As(err, &compileErr) {
		return newError(CompileError, err)
	}
	return newError(SandboxRuntimeError, err)
}

func (e *Engine) renderPublishing(ctx context.Context, tmpl *Template, req Request, f fields.Map, assets fields.AssetMap) ([]byte, float64, *RenderError) {
	if e.Bridge == nil {
		return nil, 0, errorf(RemoteSubmitError, "publishing bridge is not configured")
	}
	artifact, info, err := e.Bridge.Render(ctx, string(tmpl.Payload), f, assets, string(req.Output))
	if err != nil {
		kind := RemoteSubmitError
		switch {
		case errors.Is(err, bridge.ErrPollTimeout):
			kind = RemotePollTimeout
		case errors.Is(err, bridge.ErrArtifactInvalid):
			kind = RemoteArtifactInvalid
		}
		return nil, info.Cost, newError(kind, err)
	}
	return artifact, info.Cost, nil
}

// layoutAndDraw is the shared tail of the local formats: substitute,
// lay out, then encode per the requested output kind.
func (e *Engine) layoutAndDraw(doc *flexdoc.Document, req Request, f fields.Map, assets fields.AssetMap) ([]byte, *RenderError) {
	resolved := flexdoc.Substitute(doc, f)
	pages, err := flexdoc.Layout(resolved, flexdoc.Options{
		Typesetter: e.Typesetter,
		Assets:     assets,
	})
	if err != nil {
		return nil, newError(LayoutError, err)
	}

	switch req.Output {
	case OutputPDF, "":
		out, err := e.Renderer.RenderPDF(pages)
		if err != nil {
			return nil, newError(LayoutError, err)
		}
		return out, nil
	case OutputPNG:
		return e.renderRaster(pages, req.DPI)
	default:
		return nil, errorf(LayoutError, "unknown output kind %q", req.Output)
	}
}

// renderRaster encodes one page as a bare PNG, or several as a zip of
// page-NNN.png entries.
func (e *Engine) renderRaster(pages []flexdoc.Page, dpi float64) ([]byte, *RenderError) {
	if len(pages) == 1 {
		out, err := e.Renderer.RenderPNG(pages[0], dpi)
		if err != nil {
			return nil, newError(LayoutError, err)
		}
		return out, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, page := range pages {
		png, err := e.Renderer.RenderPNG(page, dpi)
		if err != nil {
			return nil, newError(LayoutError, fmt.Errorf("page %d: %w", i+1, err))
		}
		w, err := zw.Create(fmt.Sprintf("page-%03d.png", i+1))
		if err != nil {
			return nil, newError(LayoutError, err)
		}
		if _, err := w.Write(png); err != nil {
			return nil, newError(LayoutError, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, newError(LayoutError, err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) fail(log *zap.Logger, start time.Time, rerr *RenderError) Result {
	res := Result{
		Err:     &ErrorInfo{Kind: rerr.Kind, Message: rerr.Message},
		Metrics: Metrics{DurationMS: time.Since(start).Milliseconds()},
	}
	log.Warn("render failed",
		zap.String("errorKind", string(rerr.Kind)),
		zap.String("error", rerr.Message),
		zap.Int64("durationMs", res.Metrics.DurationMS))
	return res
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
