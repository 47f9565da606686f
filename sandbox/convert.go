package sandbox

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/sheetpress/sheetpress/flexdoc"
)

// convertDocument turns the table returned by render() into a layout
// document. The table mirrors the flexbox-document JSON schema: document
// tables carry page/header/footer/pages, node tables carry a kind plus
// the box attributes, children sit in the array part.
func convertDocument(lv lua.LValue) (*flexdoc.Document, error) {
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("render() returned %s, want a document table", lv.Type())
	}
	if kind := stringField(tbl, "kind"); kind != "document" {
		return nil, fmt.Errorf("render() returned a %q node, want a document", kind)
	}

	doc := &flexdoc.Document{
		Page: flexdoc.PageSpec{
			Width:  numberField(tbl, "width"),
			Height: numberField(tbl, "height"),
			Margin: numberField(tbl, "margin"),
		},
	}

	if header, ok := tbl.RawGetString("header").(*lua.LTable); ok {
		box, err := convertBox(header)
		if err != nil {
			return nil, fmt.Errorf("header: %w", err)
		}
		doc.Header = box
	}
	if footer, ok := tbl.RawGetString("footer").(*lua.LTable); ok {
		box, err := convertBox(footer)
		if err != nil {
			return nil, fmt.Errorf("footer: %w", err)
		}
		doc.Footer = box
	}

	pages, ok := tbl.RawGetString("pages").(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("document has no pages")
	}
	var convErr error
	pages.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		pageTbl, ok := v.(*lua.LTable)
		if !ok {
			convErr = fmt.Errorf("page %s: %s is not a node table", k, v.Type())
			return
		}
		box, err := convertBox(pageTbl)
		if err != nil {
			convErr = fmt.Errorf("page %s: %w", k, err)
			return
		}
		doc.Pages = append(doc.Pages, *box)
	})
	if convErr != nil {
		return nil, convErr
	}
	return doc, nil
}

func convertBox(tbl *lua.LTable) (*flexdoc.Box, error) {
	kind := stringField(tbl, "kind")
	box := &flexdoc.Box{
		Dir:        stringField(tbl, "dir"),
		Width:      numberField(tbl, "width"),
		Height:     numberField(tbl, "height"),
		Basis:      numberField(tbl, "basis"),
		Grow:       numberField(tbl, "grow"),
		Padding:    numberField(tbl, "padding"),
		Gap:        numberField(tbl, "gap"),
		Align:      stringField(tbl, "align"),
		Justify:    stringField(tbl, "justify"),
		Wrap:       boolField(tbl, "wrap"),
		Background: stringField(tbl, "background"),
	}
	if shrink, ok := tbl.RawGetString("shrink").(lua.LNumber); ok {
		v := float64(shrink)
		box.Shrink = &v
	}

	switch kind {
	case "text":
		box.Text = &flexdoc.TextSpec{
			Content:    stringField(tbl, "content"),
			Font:       stringField(tbl, "font"),
			Size:       numberField(tbl, "size"),
			LineHeight: numberField(tbl, "lineHeight"),
			Color:      stringField(tbl, "color"),
			Align:      stringField(tbl, "textAlign"),
		}
		return box, nil
	case "image":
		slot := stringField(tbl, "slot")
		if slot == "" {
			return nil, fmt.Errorf("image node without a slot")
		}
		box.Image = &flexdoc.ImageSpec{
			Slot: slot,
			Fit:  stringField(tbl, "fit"),
		}
		return box, nil
	case "box", "page":
	default:
		return nil, fmt.Errorf("unknown node kind %q", kind)
	}

	var convErr error
	for i := 1; ; i++ {
		child := tbl.RawGetInt(i)
		if child == lua.LNil {
			break
		}
		childTbl, ok := child.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("child %d: %s is not a node table", i, child.Type())
		}
		childBox, err := convertBox(childTbl)
		if err != nil {
			convErr = fmt.Errorf("child %d: %w", i, err)
			break
		}
		box.Children = append(box.Children, *childBox)
	}
	if convErr != nil {
		return nil, convErr
	}
	return box, nil
}

func stringField(tbl *lua.LTable, name string) string {
	if s, ok := tbl.RawGetString(name).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func numberField(tbl *lua.LTable, name string) float64 {
	if n, ok := tbl.RawGetString(name).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func boolField(tbl *lua.LTable, name string) bool {
	if b, ok := tbl.RawGetString(name).(lua.LBool); ok {
		return bool(b)
	}
	return false
}
