// Package canvasrenderer draws layout results via github.com/tdewolff/canvas.
package canvasrenderer

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"os"
	"strings"
	"sync"
	"unicode"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/pdf"
	"github.com/tdewolff/canvas/renderers/rasterizer"

	"github.com/sheetpress/sheetpress/flexdoc"
	"github.com/sheetpress/sheetpress/render"
)

const placeholderStrokeWidth = 0.3

// Renderer implements render.Renderer and flexdoc.Typesetter on top of
// tdewolff/canvas.
type Renderer struct {
	fontBlobs      map[string][]byte
	systemFallback string

	fontMu         sync.Mutex
	fontFamilies   map[string]*canvas.FontFamily
	fallbackFamily *canvas.FontFamily
}

var (
	_ render.Renderer    = (*Renderer)(nil)
	_ flexdoc.Typesetter = (*Renderer)(nil)
)

// Options configures the canvas renderer.
type Options struct {
	// Fonts maps template font names to font resources.
	Fonts map[string]Resource
	// SystemFallback names the system font used when a font name has no
	// injected resource. Defaults to DejaVu Sans.
	SystemFallback string
}

// Resource can be provided either by Bytes or by Path.
type Resource struct {
	Bytes []byte
	Path  string
}

// New creates a renderer with injected font resources.
func New(opts Options) *Renderer {
	r := &Renderer{
		fontBlobs:      map[string][]byte{},
		systemFallback: opts.SystemFallback,
		fontFamilies:   map[string]*canvas.FontFamily{},
	}
	if r.systemFallback == "" {
		r.systemFallback = "DejaVu Sans"
	}
	for name, res := range opts.Fonts {
		if name == "" {
			continue
		}
		if len(res.Bytes) > 0 {
			r.fontBlobs[name] = res.Bytes
			continue
		}
		if res.Path != "" {
			data, _ := os.ReadFile(res.Path) // caught when actually used
			if len(data) > 0 {
				r.fontBlobs[name] = data
			}
		}
	}
	return r
}

// RenderPDF renders all pages into a single PDF byte slice.
func (r *Renderer) RenderPDF(pages []flexdoc.Page) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to render")
	}
	var buf bytes.Buffer
	writer := pdf.New(&buf, pages[0].Width, pages[0].Height, nil)
	for i, page := range pages {
		if i > 0 {
			writer.NewPage(page.Width, page.Height)
		}
		c := canvas.New(page.Width, page.Height)
		ctx := canvas.NewContext(c)
		ctx.SetCoordSystem(canvas.CartesianIV) // top-left origin, as laid out
		if err := r.drawPage(ctx, page); err != nil {
			return nil, err
		}
		c.RenderTo(writer)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderPNG rasterizes one page to PNG at the given resolution.
func (r *Renderer) RenderPNG(page flexdoc.Page, dpi float64) ([]byte, error) {
	c := canvas.New(page.Width, page.Height)
	ctx := canvas.NewContext(c)
	ctx.SetCoordSystem(canvas.CartesianIV)
	if err := r.drawPage(ctx, page); err != nil {
		return nil, err
	}
	img := rasterizer.Draw(c, canvas.DPMM(flexdoc.DPIToDPMM(dpi)), canvas.DefaultColorSpace)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) drawPage(ctx *canvas.Context, page flexdoc.Page) error {
	// Background rects first, then images, then text.
	for _, rc := range page.Rects {
		r.drawRect(ctx, rc)
	}
	for _, img := range page.Images {
		if err := r.drawImage(ctx, img); err != nil {
			return err
		}
	}
	for _, tb := range page.Texts {
		if err := r.drawTextBox(ctx, tb); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) drawTextBox(ctx *canvas.Context, tb flexdoc.TextBox) error {
	face, err := r.fontFace(tb.Font, tb.FontSize*flexdoc.MmToPt, tb.Color)
	if err != nil {
		return err
	}

	align := strings.ToLower(tb.Align)
	var textAlign canvas.TextAlign
	var anchorX float64
	switch align {
	case "center":
		textAlign = canvas.Center
		anchorX = tb.X + tb.Width/2
	case "right", "end":
		textAlign = canvas.Right
		anchorX = tb.X + tb.Width
	default:
		textAlign = canvas.Left
		anchorX = tb.X
	}

	cursorY := tb.Y
	for _, line := range tb.Lines {
		cursorY += line.GapBefore
		textLine := canvas.NewTextLine(face, line.Content, textAlign)

		lineHeight := line.Height
		if lineHeight <= 0 {
			lineHeight = tb.FontSize
		}
		metrics := face.Metrics()
		baseline := cursorY + metrics.Ascent
		ctx.DrawText(anchorX, baseline, textLine)
		cursorY += lineHeight
	}
	return nil
}

func (r *Renderer) drawImage(ctx *canvas.Context, box flexdoc.ImageBox) error {
	if box.Width <= 0 || box.Height <= 0 {
		return nil
	}
	if box.Placeholder || box.Img == nil {
		r.drawPlaceholder(ctx, box)
		return nil
	}
	dpmm := float64(box.Img.Bounds().Dx()) / box.Width
	if dpmm <= 0 {
		dpmm = 1
	}
	ctx.DrawImage(box.X, box.Y, box.Img, canvas.DPMM(dpmm))
	return nil
}

// drawPlaceholder renders an absent asset slot as a light gray box with a
// diagonal cross, preserving the declared geometry.
func (r *Renderer) drawPlaceholder(ctx *canvas.Context, box flexdoc.ImageBox) {
	ctx.SetFillColor(canvas.Hex("#f0f0f0"))
	ctx.SetStrokeColor(canvas.Hex("#b0b0b0"))
	ctx.SetStrokeWidth(placeholderStrokeWidth)
	ctx.DrawPath(box.X, box.Y, canvas.Rectangle(box.Width, box.Height))

	ctx.SetFillColor(color.RGBA{})
	cross := &canvas.Path{}
	cross.MoveTo(0, 0)
	cross.LineTo(box.Width, box.Height)
	cross.MoveTo(box.Width, 0)
	cross.LineTo(0, box.Height)
	ctx.DrawPath(box.X, box.Y, cross)
}

func (r *Renderer) drawRect(ctx *canvas.Context, rc flexdoc.Rect) {
	if rc.Width <= 0 || rc.Height <= 0 {
		return
	}
	if rc.Fill != nil {
		ctx.SetFillColor(colorFromLayout(*rc.Fill))
	} else {
		ctx.SetFillColor(color.RGBA{})
	}
	w := rc.StrokeWidth
	if w > 0 {
		ctx.SetStrokeColor(colorFromLayout(rc.Stroke))
		ctx.SetStrokeWidth(w)
	} else {
		ctx.SetStrokeColor(color.RGBA{})
	}
	ctx.DrawPath(rc.X, rc.Y, canvas.Rectangle(rc.Width, rc.Height))
}

// LayoutLines implements flexdoc.Typesetter with greedy wrapping.
// fontSize and lineHeight are in mm; the font system works in pt.
func (r *Renderer) LayoutLines(content string, width float64, font string, fontSize, lineHeight float64) ([]flexdoc.TextLine, error) {
	face, err := r.fontFace(font, fontSize*flexdoc.MmToPt, flexdoc.Color{R: 30, G: 30, B: 30})
	if err != nil {
		return nil, err
	}
	lines := greedyWrapTokens(content, width, face)
	textHeight := face.Metrics().LineHeight
	if textHeight <= 0 {
		textHeight = lineHeight
	}
	leading := math.Max(lineHeight-textHeight, 0)
	if len(lines) == 0 {
		lines = []flexdoc.TextLine{{Content: "", Width: 0, Height: textHeight}}
	}
	for i := range lines {
		if lines[i].Height <= 0 {
			lines[i].Height = textHeight
		}
		if i == 0 {
			lines[i].GapBefore = 0
		} else {
			lines[i].GapBefore = leading
		}
	}
	return lines, nil
}

func (r *Renderer) fontFace(name string, sizePt float64, col flexdoc.Color) (*canvas.FontFace, error) {
	family, err := r.ensureFontFamily(name)
	if err != nil {
		return nil, err
	}
	return family.Face(sizePt, colorFromLayout(col), canvas.FontRegular, canvas.FontNormal), nil
}

func (r *Renderer) ensureFontFamily(name string) (*canvas.FontFamily, error) {
	if name == "" {
		name = "Body"
	}
	r.fontMu.Lock()
	defer r.fontMu.Unlock()

	if family, ok := r.fontFamilies[name]; ok {
		return family, nil
	}
	if blob, ok := r.fontBlobs[name]; ok {
		family := canvas.NewFontFamily(name)
		if err := family.LoadFont(blob, 0, canvas.FontRegular); err == nil {
			r.fontFamilies[name] = family
			return family, nil
		}
	}
	family, err := r.fallback()
	if err != nil {
		return nil, err
	}
	r.fontFamilies[name] = family
	return family, nil
}

func (r *Renderer) fallback() (*canvas.FontFamily, error) {
	if r.fallbackFamily != nil {
		return r.fallbackFamily, nil
	}
	family := canvas.NewFontFamily("fallback")
	if err := family.LoadSystemFont(r.systemFallback, canvas.FontRegular); err != nil {
		return nil, fmt.Errorf("load system font %q: %w", r.systemFallback, err)
	}
	r.fallbackFamily = family
	return family, nil
}

func colorFromLayout(c flexdoc.Color) color.Color {
	return canvas.RGBA(float64(c.R)/255.0, float64(c.G)/255.0, float64(c.B)/255.0, 1.0)
}

func greedyWrapTokens(content string, width float64, face *canvas.FontFace) []flexdoc.TextLine {
	limit := width
	if limit <= 0 {
		limit = math.MaxFloat64
	}

	tokens := tokenizeContent(content)
	var lines []flexdoc.TextLine
	var builder strings.Builder
	currentWidth := 0.0

	emit := func(force bool) {
		if builder.Len() == 0 {
			if force {
				lines = append(lines, flexdoc.TextLine{Content: "", Width: 0})
			}
			return
		}
		lines = append(lines, flexdoc.TextLine{Content: builder.String(), Width: currentWidth})
		builder.Reset()
		currentWidth = 0
	}

	appendToken := func(token string) {
		builder.WriteString(token)
		currentWidth += face.TextWidth(token)
	}

	for _, token := range tokens {
		if token == "\n" {
			emit(true)
			continue
		}
		tokenWidth := face.TextWidth(token)
		if currentWidth > 0 && currentWidth+tokenWidth > limit {
			emit(false)
		}
		if tokenWidth <= limit {
			appendToken(token)
			if currentWidth > limit {
				emit(false)
			}
			continue
		}
		for _, chunk := range splitTokenByWidth(token, limit, face) {
			chunkWidth := face.TextWidth(chunk)
			if currentWidth > 0 && currentWidth+chunkWidth > limit {
				emit(false)
			}
			appendToken(chunk)
			if currentWidth > limit {
				emit(false)
			}
		}
	}

	emit(true)
	return lines
}

func tokenizeContent(s string) []string {
	var tokens []string
	var builder strings.Builder
	lastWasSpace := false
	flush := func() {
		if builder.Len() == 0 {
			return
		}
		tokens = append(tokens, builder.String())
		builder.Reset()
	}

	for _, r := range s {
		if r == '\r' {
			continue
		}
		if r == '\n' {
			flush()
			tokens = append(tokens, "\n")
			lastWasSpace = false
			continue
		}
		isSpace := unicode.IsSpace(r)
		if builder.Len() == 0 {
			lastWasSpace = isSpace
		} else if lastWasSpace != isSpace {
			flush()
			lastWasSpace = isSpace
		}
		builder.WriteRune(r)
	}
	flush()
	return tokens
}

func splitTokenByWidth(token string, limit float64, face *canvas.FontFace) []string {
	if limit <= 0 || limit == math.MaxFloat64 {
		return []string{token}
	}
	var parts []string
	var builder strings.Builder
	for _, r := range token {
		builder.WriteRune(r)
		if face.TextWidth(builder.String()) > limit && builder.Len() > 1 {
			runes := []rune(builder.String())
			parts = append(parts, string(runes[:len(runes)-1]))
			builder.Reset()
			builder.WriteRune(r)
		}
	}
	if builder.Len() > 0 {
		parts = append(parts, builder.String())
	}
	return parts
}
