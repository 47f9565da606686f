package markup

import (
	"encoding/base64"
	"strconv"

	"github.com/sheetpress/sheetpress/fields"
	"github.com/sheetpress/sheetpress/placeholder"
)

// Element names with substitution semantics beyond plain text expansion.
const (
	repeatTag = "repeat" // <repeat over="FIELD">...</repeat>
	assetTag  = "asset"  // <asset name="SLOT" width=".." height=".."/>
)

// Substitute materializes the tree against the resolved field and asset
// maps: text runs and attribute values are expanded, repeat containers are
// cloned per array element in sibling order, and asset regions become
// either embedded image data or a placeholder box of identical declared
// dimensions. The input tree is not modified.
func Substitute(tree *Tree, f fields.Map, assets fields.AssetMap) *Tree {
	return &Tree{Nodes: substituteNodes(tree.Nodes, f, assets, "", -1)}
}

func substituteNodes(nodes []*Node, f fields.Map, assets fields.AssetMap, repeatField string, repeatIdx int) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, substituteNode(n, f, assets, repeatField, repeatIdx)...)
	}
	return out
}

func substituteNode(n *Node, f fields.Map, assets fields.AssetMap, repeatField string, repeatIdx int) []*Node {
	if n.Text != nil {
		expanded := placeholder.ExpandIndexed(*n.Text, f, repeatField, repeatIdx)
		return []*Node{{Text: &expanded}}
	}
	el := n.Element
	if el == nil {
		return nil
	}
	switch el.Name {
	case repeatTag:
		return expandRepeat(el, f, assets)
	case assetTag:
		return []*Node{{Element: materializeAsset(el, f, assets, repeatField, repeatIdx)}}
	}
	clone := &Element{Name: el.Name, SelfClose: el.SelfClose, CloseName: el.Name}
	for _, a := range el.Attrs {
		clone.Attrs = append(clone.Attrs, &Attr{
			Name:  a.Name,
			Value: StringLiteral(placeholder.ExpandIndexed(string(a.Value), f, repeatField, repeatIdx)),
		})
	}
	clone.Children = substituteNodes(el.Children, f, assets, repeatField, repeatIdx)
	return []*Node{{Element: clone}}
}

// expandRepeat clones the clause body once per element of the referenced
// array field, preserving sibling order. An absent or non-array field
// yields zero clones, never an error.
func expandRepeat(el *Element, f fields.Map, assets fields.AssetMap) []*Node {
	name := el.Attr("over")
	val, ok := f[name]
	if !ok || val.Kind != fields.Array {
		return nil
	}
	var out []*Node
	for i := 0; i < val.Len(); i++ {
		out = append(out, substituteNodes(el.Children, f, assets, name, i)...)
	}
	return out
}

// materializeAsset swaps an asset region for the resolved image bytes or a
// placeholder box. Declared dimensions are copied verbatim so substitution
// can never change page geometry.
func materializeAsset(el *Element, f fields.Map, assets fields.AssetMap, repeatField string, repeatIdx int) *Element {
	slot := el.Attr("name")
	width := placeholder.ExpandIndexed(el.Attr("width"), f, repeatField, repeatIdx)
	height := placeholder.ExpandIndexed(el.Attr("height"), f, repeatField, repeatIdx)

	asset, ok := assets[slot]
	if !ok || asset.Absent {
		out := &Element{Name: "placeholder", SelfClose: true}
		out.SetAttr("slot", slot)
		setGeometry(out, width, height)
		return out
	}
	out := &Element{Name: "image", SelfClose: true}
	out.SetAttr("slot", slot)
	out.SetAttr("src", dataURI(asset))
	setGeometry(out, width, height)
	return out
}

func setGeometry(el *Element, width, height string) {
	if _, err := strconv.ParseFloat(width, 64); err == nil {
		el.SetAttr("width", width)
	}
	if _, err := strconv.ParseFloat(height, 64); err == nil {
		el.SetAttr("height", height)
	}
}

func dataURI(a fields.Asset) string {
	mime := "image/png"
	if a.Format == "jpeg" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
