package flexdoc

import (
	"github.com/sheetpress/sheetpress/fields"
	"github.com/sheetpress/sheetpress/placeholder"
)

// Substitute expands placeholders throughout the document: repeat boxes are
// cloned per array element in declared order and text content is resolved
// against the field map. A repeat on a page box clones the whole page per
// element. The same token grammar as the markup engine applies. The input
// document is not modified, and substitution always completes before any
// layout begins.
func Substitute(doc *Document, f fields.Map) *Document {
	out := &Document{Page: doc.Page}
	if doc.Header != nil {
		h := substituteBox(*doc.Header, f, "", -1)
		out.Header = &h
	}
	if doc.Footer != nil {
		ft := substituteBox(*doc.Footer, f, "", -1)
		out.Footer = &ft
	}
	out.Pages = make([]Box, 0, len(doc.Pages))
	for _, page := range doc.Pages {
		if page.Repeat == "" {
			out.Pages = append(out.Pages, substituteBox(page, f, "", -1))
			continue
		}
		val, ok := f[page.Repeat]
		if !ok || val.Kind != fields.Array {
			continue
		}
		for i := 0; i < val.Len(); i++ {
			out.Pages = append(out.Pages, substituteBox(page, f, page.Repeat, i))
		}
	}
	return out
}

func substituteBox(b Box, f fields.Map, repeatField string, repeatIdx int) Box {
	out := b
	out.Repeat = ""
	if b.Text != nil {
		t := *b.Text
		t.Content = placeholder.ExpandIndexed(t.Content, f, repeatField, repeatIdx)
		out.Text = &t
	}
	out.Children = substituteChildren(b.Children, f, repeatField, repeatIdx)
	return out
}

func substituteChildren(children []Box, f fields.Map, repeatField string, repeatIdx int) []Box {
	if len(children) == 0 {
		return nil
	}
	out := make([]Box, 0, len(children))
	for _, child := range children {
		if child.Repeat == "" {
			out = append(out, substituteBox(child, f, repeatField, repeatIdx))
			continue
		}
		val, ok := f[child.Repeat]
		if !ok || val.Kind != fields.Array {
			// Absent or non-array repeat field expands to nothing.
			continue
		}
		for i := 0; i < val.Len(); i++ {
			out = append(out, substituteBox(child, f, child.Repeat, i))
		}
	}
	return out
}
