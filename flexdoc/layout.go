package flexdoc

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sheetpress/sheetpress/fields"
)

// Options supplies the layout stage dependencies.
type Options struct {
	Typesetter Typesetter
	Assets     fields.AssetMap
}

// Layout evaluates a substituted document into absolute draw lists, one
// Page per declared page, in declared order. Content overflowing its box
// is clipped and never reflows the parent.
func Layout(doc *Document, opts Options) ([]Page, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}
	if doc.Page.Width <= 0 || doc.Page.Height <= 0 {
		return nil, fmt.Errorf("degenerate page size %gx%g", doc.Page.Width, doc.Page.Height)
	}
	if len(doc.Pages) == 0 {
		return nil, fmt.Errorf("document has no pages")
	}
	if opts.Typesetter == nil {
		return nil, fmt.Errorf("missing typesetter")
	}

	l := &layouter{ts: opts.Typesetter, assets: opts.Assets}
	margin := doc.Page.Margin
	contentW := doc.Page.Width - 2*margin

	// Header/footer are laid out once and replayed onto every page. The
	// content band starts below whichever is taller, margin or header.
	var headerPage, footerPage Page
	headerH, footerH := 0.0, 0.0
	if doc.Header != nil {
		headerH = bandHeight(l, doc.Header, contentW)
		l.layoutBox(doc.Header, frame{X: margin, Y: 0, W: contentW, H: headerH},
			frame{X: 0, Y: 0, W: doc.Page.Width, H: doc.Page.Height}, &headerPage)
	}
	if doc.Footer != nil {
		footerH = bandHeight(l, doc.Footer, contentW)
		l.layoutBox(doc.Footer, frame{X: margin, Y: doc.Page.Height - footerH, W: contentW, H: footerH},
			frame{X: 0, Y: 0, W: doc.Page.Width, H: doc.Page.Height}, &footerPage)
	}

	contentTop := math.Max(margin, headerH)
	contentBottom := doc.Page.Height - math.Max(margin, footerH)
	if contentBottom <= contentTop {
		return nil, fmt.Errorf("header and footer leave no content area")
	}
	content := frame{X: margin, Y: contentTop, W: contentW, H: contentBottom - contentTop}

	pages := make([]Page, 0, len(doc.Pages))
	for i := range doc.Pages {
		page := Page{Width: doc.Page.Width, Height: doc.Page.Height}
		page.Texts = append(page.Texts, headerPage.Texts...)
		page.Images = append(page.Images, headerPage.Images...)
		page.Rects = append(page.Rects, headerPage.Rects...)

		l.layoutBox(&doc.Pages[i], content, content, &page)

		page.Texts = append(page.Texts, footerPage.Texts...)
		page.Images = append(page.Images, footerPage.Images...)
		page.Rects = append(page.Rects, footerPage.Rects...)
		pages = append(pages, page)
	}
	return pages, nil
}

type layouter struct {
	ts     Typesetter
	assets fields.AssetMap
}

type frame struct {
	X, Y, W, H float64
}

func (f frame) inset(p float64) frame {
	return frame{X: f.X + p, Y: f.Y + p, W: math.Max(f.W-2*p, 0), H: math.Max(f.H-2*p, 0)}
}

func (f frame) intersect(o frame) frame {
	x1 := math.Max(f.X, o.X)
	y1 := math.Max(f.Y, o.Y)
	x2 := math.Min(f.X+f.W, o.X+o.W)
	y2 := math.Min(f.Y+f.H, o.Y+o.H)
	return frame{X: x1, Y: y1, W: math.Max(x2-x1, 0), H: math.Max(y2-y1, 0)}
}

func bandHeight(l *layouter, b *Box, width float64) float64 {
	if b.Height > 0 {
		return b.Height
	}
	_, h := l.measure(b, width, math.MaxFloat64)
	return h
}

// layoutBox places one box inside fr, clipped to clip, emitting draw items.
func (l *layouter) layoutBox(b *Box, fr, clip frame, out *Page) {
	visible := fr.intersect(clip)
	if b.Background != "" {
		if c, ok := parseHexColor(b.Background); ok {
			out.Rects = append(out.Rects, Rect{
				X: visible.X, Y: visible.Y, Width: visible.W, Height: visible.H, Fill: &c,
			})
		}
	}
	switch {
	case b.Text != nil:
		l.emitText(b, fr, visible, out)
	case b.Image != nil:
		l.emitImage(b, visible, out)
	default:
		l.layoutChildren(b, fr, visible, out)
	}
}

func (l *layouter) emitText(b *Box, fr, visible frame, out *Page) {
	spec := b.Text
	size := spec.Size
	if size <= 0 {
		size = 12 * PtToMm
	}
	lineHeight := spec.LineHeight
	if lineHeight <= 0 {
		lineHeight = size * 1.4
	}
	inner := fr.inset(b.Padding)
	lines, err := l.ts.LayoutLines(spec.Content, inner.W, spec.Font, size, lineHeight)
	if err != nil || len(lines) == 0 {
		lines = []TextLine{{Content: spec.Content, Width: inner.W, Height: size}}
	}
	// Silent clipping: keep whole lines that fit the visible box.
	kept := lines[:0]
	y := inner.Y
	for _, ln := range lines {
		h := ln.Height
		if h <= 0 {
			h = size
		}
		if y+ln.GapBefore+h > visible.Y+visible.H+0.01 {
			break
		}
		y += ln.GapBefore + h
		kept = append(kept, ln)
	}
	color := Color{R: 30, G: 30, B: 30}
	if c, ok := parseHexColor(spec.Color); ok {
		color = c
	}
	out.Texts = append(out.Texts, TextBox{
		X:          inner.X,
		Y:          inner.Y,
		Width:      inner.W,
		Height:     y - inner.Y,
		Font:       spec.Font,
		FontSize:   size,
		LineHeight: lineHeight,
		Color:      color,
		Align:      spec.Align,
		Lines:      kept,
	})
}

func (l *layouter) emitImage(b *Box, visible frame, out *Page) {
	slot := b.Image.Slot
	asset, ok := l.assets[slot]
	box := ImageBox{
		X:     visible.X,
		Y:     visible.Y,
		Width: visible.W, Height: visible.H,
		Slot:        slot,
		Placeholder: !ok || asset.Absent,
	}
	if !box.Placeholder {
		box.Img = asset.Image
	}
	out.Images = append(out.Images, box)
}

func (l *layouter) layoutChildren(b *Box, fr, clip frame, out *Page) {
	if len(b.Children) == 0 {
		return
	}
	inner := fr.inset(b.Padding)
	row := b.isRow()
	mainAvail := inner.W
	crossAvail := inner.H
	if !row {
		mainAvail, crossAvail = inner.H, inner.W
	}

	if b.Wrap {
		l.layoutWrapped(b, inner, clip, mainAvail, crossAvail, out)
		return
	}
	l.layoutLine(b, b.Children, inner, clip, mainAvail, crossAvail, out)
}

// layoutLine runs the single-line flex algorithm: basis resolution,
// grow/shrink distribution along the main axis, then cross placement.
func (l *layouter) layoutLine(parent *Box, children []Box, inner, clip frame, mainAvail, crossAvail float64, out *Page) {
	row := parent.isRow()
	n := len(children)
	if n == 0 {
		return
	}
	bases := make([]float64, n)
	sumBases := 0.0
	sumGrow := 0.0
	for i := range children {
		bases[i] = l.mainBasis(&children[i], row, mainAvail, crossAvail)
		sumBases += bases[i]
		sumGrow += children[i].Grow
	}
	gaps := parent.Gap * float64(n-1)
	free := mainAvail - sumBases - gaps

	switch {
	case free > 0 && sumGrow > 0:
		for i := range children {
			bases[i] += free * children[i].Grow / sumGrow
		}
		free = 0
	case free < 0:
		weighted := 0.0
		for i := range children {
			weighted += children[i].shrinkFactor() * bases[i]
		}
		if weighted > 0 {
			for i := range children {
				cut := -free * children[i].shrinkFactor() * bases[i] / weighted
				bases[i] = math.Max(bases[i]-cut, 0)
			}
		}
		free = 0
	}

	offset := justifyOffset(parent.Justify, free)
	spacing := parent.Gap
	if parent.Justify == "space-between" && n > 1 && free > 0 {
		// free was consumed above only by grow; recompute for distribution
		spacing += free / float64(n-1)
		offset = 0
	}

	cursor := offset
	for i := range children {
		child := &children[i]
		align := effectiveAlign(parent, child)
		crossSize := l.crossSize(child, row, crossAvail)
		if align != "stretch" && !hasExplicitCross(child, row) {
			// Non-stretch alignment keeps the child at its natural cross
			// extent, measured under its resolved main size.
			mw, mh := bases[i], crossAvail
			if !row {
				mw, mh = crossAvail, bases[i]
			}
			w, h := l.measure(child, mw, mh)
			if row {
				crossSize = math.Min(h, crossAvail)
			} else {
				crossSize = math.Min(w, crossAvail)
			}
		}
		crossOff := alignOffset(align, crossAvail, crossSize)

		var cf frame
		if row {
			cf = frame{X: inner.X + cursor, Y: inner.Y + crossOff, W: bases[i], H: crossSize}
		} else {
			cf = frame{X: inner.X + crossOff, Y: inner.Y + cursor, W: crossSize, H: bases[i]}
		}
		l.layoutBox(child, cf, clip, out)
		cursor += bases[i] + spacing
	}
}

// layoutWrapped breaks children into lines greedily by basis size, then
// stacks the lines along the cross axis.
func (l *layouter) layoutWrapped(parent *Box, inner, clip frame, mainAvail, crossAvail float64, out *Page) {
	row := parent.isRow()
	var lines [][]Box
	var current []Box
	used := 0.0
	for _, child := range parent.Children {
		basis := l.mainBasis(&child, row, mainAvail, crossAvail)
		if len(current) > 0 && used+parent.Gap+basis > mainAvail {
			lines = append(lines, current)
			current = nil
			used = 0
		}
		if len(current) > 0 {
			used += parent.Gap
		}
		current = append(current, child)
		used += basis
	}
	if len(current) > 0 {
		lines = append(lines, current)
	}

	crossCursor := 0.0
	for _, line := range lines {
		lineCross := 0.0
		for i := range line {
			c := l.crossNatural(&line[i], row, crossAvail)
			lineCross = math.Max(lineCross, c)
		}
		var lineFrame frame
		if row {
			lineFrame = frame{X: inner.X, Y: inner.Y + crossCursor, W: inner.W, H: lineCross}
		} else {
			lineFrame = frame{X: inner.X + crossCursor, Y: inner.Y, W: lineCross, H: inner.H}
		}
		l.layoutLine(parent, line, lineFrame, clip, mainAvail, lineCross, out)
		crossCursor += lineCross + parent.Gap
	}
}

// mainBasis resolves a child's initial main size: explicit basis, explicit
// dimension, then measured content.
func (l *layouter) mainBasis(b *Box, row bool, mainAvail, crossAvail float64) float64 {
	if b.Basis > 0 {
		return b.Basis
	}
	if row && b.Width > 0 {
		return b.Width
	}
	if !row && b.Height > 0 {
		return b.Height
	}
	w, h := l.measure(b, availFor(row, mainAvail, crossAvail), availFor(!row, mainAvail, crossAvail))
	if row {
		return math.Min(w, mainAvail)
	}
	return math.Min(h, mainAvail)
}

func availFor(isWidth bool, mainAvail, crossAvail float64) float64 {
	if isWidth {
		return mainAvail
	}
	return crossAvail
}

func (l *layouter) crossSize(b *Box, row bool, crossAvail float64) float64 {
	if row && b.Height > 0 {
		return b.Height
	}
	if !row && b.Width > 0 {
		return b.Width
	}
	// Default flex behavior: stretch to the container's cross extent.
	return crossAvail
}

func hasExplicitCross(b *Box, row bool) bool {
	if row {
		return b.Height > 0
	}
	return b.Width > 0
}

func (l *layouter) crossNatural(b *Box, row bool, crossAvail float64) float64 {
	if row && b.Height > 0 {
		return b.Height
	}
	if !row && b.Width > 0 {
		return b.Width
	}
	w, h := l.measure(b, crossAvail, crossAvail)
	if row {
		return h
	}
	return w
}

// measure returns the natural extent of a box within the given bounds.
func (l *layouter) measure(b *Box, availW, availH float64) (float64, float64) {
	switch {
	case b.Text != nil:
		size := b.Text.Size
		if size <= 0 {
			size = 12 * PtToMm
		}
		lineHeight := b.Text.LineHeight
		if lineHeight <= 0 {
			lineHeight = size * 1.4
		}
		innerW := math.Max(availW-2*b.Padding, 0)
		lines, err := l.ts.LayoutLines(b.Text.Content, innerW, b.Text.Font, size, lineHeight)
		if err != nil || len(lines) == 0 {
			return availW, size + 2*b.Padding
		}
		maxW, total := 0.0, 0.0
		for _, ln := range lines {
			h := ln.Height
			if h <= 0 {
				h = size
			}
			total += ln.GapBefore + h
			maxW = math.Max(maxW, ln.Width)
		}
		return maxW + 2*b.Padding, total + 2*b.Padding
	case b.Image != nil:
		w := b.Width
		if w <= 0 {
			w = availW
		}
		h := b.Height
		if h <= 0 {
			h = w * 0.6
		}
		return w, h
	default:
		innerW := math.Max(availW-2*b.Padding, 0)
		innerH := math.Max(availH-2*b.Padding, 0)
		row := b.isRow()
		sumMain, maxCross := 0.0, 0.0
		for i := range b.Children {
			cw, ch := l.measure(&b.Children[i], innerW, innerH)
			if b.Children[i].Width > 0 {
				cw = b.Children[i].Width
			}
			if b.Children[i].Height > 0 {
				ch = b.Children[i].Height
			}
			if row {
				sumMain += cw
				maxCross = math.Max(maxCross, ch)
			} else {
				sumMain += ch
				maxCross = math.Max(maxCross, cw)
			}
		}
		if len(b.Children) > 1 {
			sumMain += b.Gap * float64(len(b.Children)-1)
		}
		var w, h float64
		if row {
			w, h = sumMain, maxCross
		} else {
			w, h = maxCross, sumMain
		}
		if b.Width > 0 {
			w = b.Width
		} else {
			w += 2 * b.Padding
		}
		if b.Height > 0 {
			h = b.Height
		} else {
			h += 2 * b.Padding
		}
		return w, h
	}
}

func justifyOffset(justify string, free float64) float64 {
	if free <= 0 {
		return 0
	}
	switch strings.ToLower(justify) {
	case "center":
		return free / 2
	case "end":
		return free
	default:
		return 0
	}
}

func effectiveAlign(parent, child *Box) string {
	if child.Align != "" {
		return child.Align
	}
	if parent.Align != "" {
		return parent.Align
	}
	return "stretch"
}

func alignOffset(align string, avail, size float64) float64 {
	if avail <= size {
		return 0
	}
	switch strings.ToLower(align) {
	case "center":
		return (avail - size) / 2
	case "end":
		return avail - size
	default: // start and stretch
		return 0
	}
}

func parseHexColor(value string) (Color, bool) {
	value = strings.TrimPrefix(value, "#")
	switch len(value) {
	case 3:
		return Color{
			R: mustHex(strings.Repeat(string(value[0]), 2)),
			G: mustHex(strings.Repeat(string(value[1]), 2)),
			B: mustHex(strings.Repeat(string(value[2]), 2)),
		}, true
	case 6:
		return Color{
			R: mustHex(value[0:2]),
			G: mustHex(value[2:4]),
			B: mustHex(value[4:6]),
		}, true
	default:
		return Color{}, false
	}
}

func mustHex(s string) int {
	v, _ := strconv.ParseInt(s, 16, 64)
	return int(v)
}
