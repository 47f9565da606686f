// Package render defines the back-end contract for drawing laid-out pages.
package render

import "github.com/sheetpress/sheetpress/flexdoc"

// Renderer turns resolved pages into final bytes.
type Renderer interface {
	// RenderPDF concatenates all pages into a single vector document.
	RenderPDF(pages []flexdoc.Page) ([]byte, error)
	// RenderPNG rasterizes one page at the given resolution.
	RenderPNG(page flexdoc.Page, dpi float64) ([]byte, error)
}
