package flexdoc

import (
	"math"
	"strings"
	"testing"

	"github.com/sheetpress/sheetpress/fields"
)

// stubTypesetter is a minimal Typesetter for layout tests: one line per
// whitespace-separated word, width proportional to rune count. It avoids
// pulling the canvas renderer into this package's tests.
type stubTypesetter struct{}

func (s *stubTypesetter) LayoutLines(content string, width float64, font string, fontSize, lineHeight float64) ([]TextLine, error) {
	words := strings.Fields(content)
	if len(words) == 0 {
		return []TextLine{{Content: "", Width: 0, Height: fontSize}}, nil
	}
	lines := make([]TextLine, 0, len(words))
	for i, w := range words {
		gap := 0.0
		if i > 0 {
			gap = lineHeight - fontSize
		}
		lines = append(lines, TextLine{
			Content:   w,
			Width:     float64(len(w)) * fontSize * 0.5,
			Height:    fontSize,
			GapBefore: gap,
		})
	}
	return lines, nil
}

func layoutDoc(t *testing.T, doc *Document) []Page {
	t.Helper()
	pages, err := Layout(doc, Options{Typesetter: &stubTypesetter{}})
	if err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	return pages
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("%s = %g, want %g", what, got, want)
	}
}

func TestLayoutRejectsDegenerateDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  *Document
	}{
		{"nil", nil},
		{"zero page size", &Document{Pages: []Box{{}}}},
		{"no pages", &Document{Page: PageSpec{Width: 100, Height: 100}}},
	}
	for _, tc := range cases {
		if _, err := Layout(tc.doc, Options{Typesetter: &stubTypesetter{}}); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	doc := &Document{Page: PageSpec{Width: 100, Height: 100}, Pages: []Box{{}}}
	if _, err := Layout(doc, Options{}); err == nil {
		t.Error("missing typesetter: expected error")
	}
}

func TestGrowDistributesFreeSpace(t *testing.T) {
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Dir: "row",
			Children: []Box{
				{Grow: 1, Background: "#ff0000"},
				{Grow: 3, Background: "#00ff00"},
			},
		}},
	}
	pages := layoutDoc(t, doc)
	if len(pages[0].Rects) != 2 {
		t.Fatalf("got %d rects, want 2", len(pages[0].Rects))
	}
	approx(t, pages[0].Rects[0].Width, 25, "first child width")
	approx(t, pages[0].Rects[1].X, 25, "second child x")
	approx(t, pages[0].Rects[1].Width, 75, "second child width")
	approx(t, pages[0].Rects[0].Height, 100, "default stretch fills the cross axis")
}

func TestOverflowClipsWithoutReflow(t *testing.T) {
	zero := 0.0
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Dir: "row",
			Children: []Box{
				{Basis: 80, Shrink: &zero, Background: "#111111"},
				{Basis: 70, Shrink: &zero, Background: "#222222"},
			},
		}},
	}
	pages := layoutDoc(t, doc)
	if len(pages[0].Rects) != 2 {
		t.Fatalf("got %d rects, want 2", len(pages[0].Rects))
	}
	// The first child keeps its full extent; the overflowing sibling is
	// clipped at the page edge instead of pushing anything around.
	approx(t, pages[0].Rects[0].Width, 80, "first child width")
	approx(t, pages[0].Rects[1].X, 80, "second child x")
	approx(t, pages[0].Rects[1].Width, 20, "second child clipped width")
}

func TestShrinkDistributesDeficit(t *testing.T) {
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Dir: "row",
			Children: []Box{
				{Basis: 80, Background: "#111111"},
				{Basis: 120, Background: "#222222"},
			},
		}},
	}
	pages := layoutDoc(t, doc)
	// Deficit of 100 split in proportion to shrink*basis: 40 and 60.
	approx(t, pages[0].Rects[0].Width, 40, "first child width after shrink")
	approx(t, pages[0].Rects[1].Width, 60, "second child width after shrink")
}

func TestHeaderAndFooterRepeatOnEveryPage(t *testing.T) {
	doc := &Document{
		Page:   PageSpec{Width: 100, Height: 150, Margin: 5},
		Header: &Box{Height: 15, Background: "#eeeeee"},
		Footer: &Box{Height: 10, Background: "#dddddd"},
		Pages: []Box{
			{Text: &TextSpec{Content: "first"}},
			{Text: &TextSpec{Content: "second"}},
		},
	}
	pages := layoutDoc(t, doc)
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	for i, page := range pages {
		if len(page.Rects) != 2 {
			t.Fatalf("page %d: got %d rects, want header and footer", i, len(page.Rects))
		}
		approx(t, page.Rects[0].Y, 0, "header y")
		approx(t, page.Rects[0].Height, 15, "header height")
		approx(t, page.Rects[1].Y, 140, "footer y")
		if len(page.Texts) != 1 {
			t.Fatalf("page %d: got %d texts, want 1", i, len(page.Texts))
		}
		if page.Texts[0].Y < 15 {
			t.Errorf("page %d: content starts at %g, above the header band", i, page.Texts[0].Y)
		}
	}
	if pages[0].Texts[0].Lines[0].Content != "first" || pages[1].Texts[0].Lines[0].Content != "second" {
		t.Error("page content should stay in declared order")
	}
}

func TestHeaderFooterConsumingPageIsRejected(t *testing.T) {
	doc := &Document{
		Page:   PageSpec{Width: 100, Height: 100},
		Header: &Box{Height: 60},
		Footer: &Box{Height: 60},
		Pages:  []Box{{}},
	}
	if _, err := Layout(doc, Options{Typesetter: &stubTypesetter{}}); err == nil {
		t.Fatal("expected error when header and footer leave no content area")
	}
}

func TestTextClipsWholeLines(t *testing.T) {
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Children: []Box{{
				Height: 10,
				Text:   &TextSpec{Content: "one two three four", Size: 4, LineHeight: 4},
			}},
		}},
	}
	pages := layoutDoc(t, doc)
	if len(pages[0].Texts) != 1 {
		t.Fatalf("got %d texts, want 1", len(pages[0].Texts))
	}
	tb := pages[0].Texts[0]
	// Four 4mm lines in a 10mm box: only two whole lines survive.
	if len(tb.Lines) != 2 {
		t.Fatalf("got %d lines, want 2 whole lines kept", len(tb.Lines))
	}
	if tb.Lines[0].Content != "one" || tb.Lines[1].Content != "two" {
		t.Errorf("kept lines %q, %q; clipping must preserve order", tb.Lines[0].Content, tb.Lines[1].Content)
	}
}

func TestTextDefaultsApplied(t *testing.T) {
	doc := &Document{
		Page:  PageSpec{Width: 100, Height: 100},
		Pages: []Box{{Text: &TextSpec{Content: "hello"}}},
	}
	pages := layoutDoc(t, doc)
	tb := pages[0].Texts[0]
	approx(t, tb.FontSize, 12*PtToMm, "default font size")
	approx(t, tb.LineHeight, 12*PtToMm*1.4, "default line height")
	if tb.Color != (Color{R: 30, G: 30, B: 30}) {
		t.Errorf("default color = %+v", tb.Color)
	}
}

func TestImageFallsBackToPlaceholder(t *testing.T) {
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Children: []Box{
				{Width: 40, Height: 30, Image: &ImageSpec{Slot: "LOGO"}},
				{Width: 40, Height: 30, Image: &ImageSpec{Slot: "PHOTO"}},
			},
		}},
	}
	assets := fields.AssetMap{"PHOTO": {Slot: "PHOTO", Absent: true}}
	pages, err := Layout(doc, Options{Typesetter: &stubTypesetter{}, Assets: assets})
	if err != nil {
		t.Fatalf("layout failed: %v", err)
	}
	if len(pages[0].Images) != 2 {
		t.Fatalf("got %d images, want 2", len(pages[0].Images))
	}
	for _, img := range pages[0].Images {
		if !img.Placeholder {
			t.Errorf("slot %s: undeclared or absent assets must render as placeholders", img.Slot)
		}
	}
}

func TestJustifyAndAlign(t *testing.T) {
	doc := &Document{
		Page: PageSpec{Width: 100, Height: 100},
		Pages: []Box{{
			Dir:     "row",
			Justify: "center",
			Align:   "end",
			Children: []Box{
				{Basis: 20, Height: 10, Background: "#111111"},
			},
		}},
	}
	pages := layoutDoc(t, doc)
	r := pages[0].Rects[0]
	approx(t, r.X, 40, "centered child x")
	approx(t, r.Y, 90, "end-aligned child y")
	approx(t, r.Height, 10, "explicit cross size")
}
