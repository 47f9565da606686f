package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetpress/sheetpress/fields"
)

const goodScript = `
local document = use("document")
local page = use("page")
local box = use("box")
local text = use("text")
local style = use("style")

local base = style({ size = 4 }, { color = "#333333" })

function render(fields, assets)
	local rows = box({
		dir = "row",
		gap = 2,
		text(base),
	})
	return document({
		width = 210,
		height = 297,
		margin = 10,
		pages = {
			page({
				text("Hello " .. fields.NAME),
				box({ grow = 1, background = "#eeeeee" }),
			}),
		},
	})
end
`

func testFields() fields.Map {
	return fields.Resolve([]fields.Def{
		{Name: "NAME", Type: "text"},
		{Name: "COLORS", Type: "array"},
	}, map[string]any{
		"NAME":   "Ada",
		"COLORS": []string{"red", "blue"},
	})
}

func TestExecuteProducesDocument(t *testing.T) {
	r := New(Options{})
	doc, err := r.Execute(context.Background(), goodScript, testFields(), nil)
	require.NoError(t, err)

	assert.Equal(t, 210.0, doc.Page.Width)
	assert.Equal(t, 297.0, doc.Page.Height)
	assert.Equal(t, 10.0, doc.Page.Margin)
	require.Len(t, doc.Pages, 1)
	require.Len(t, doc.Pages[0].Children, 2)

	textBox := doc.Pages[0].Children[0]
	require.NotNil(t, textBox.Text)
	assert.Equal(t, "Hello Ada", textBox.Text.Content)

	filler := doc.Pages[0].Children[1]
	assert.Equal(t, 1.0, filler.Grow)
	assert.Equal(t, "#eeeeee", filler.Background)
}

func TestExecuteSeesFieldStructure(t *testing.T) {
	src := `
local document = use("document")
local page = use("page")
local text = use("text")

function render(fields, assets)
	return document({
		width = 100, height = 100,
		pages = { page({ text(fields.COLORS[2]) }) },
	})
end
`
	r := New(Options{})
	doc, err := r.Execute(context.Background(), src, testFields(), nil)
	require.NoError(t, err)
	assert.Equal(t, "blue", doc.Pages[0].Children[0].Text.Content)
}

func TestUseRejectsNonPrimitives(t *testing.T) {
	src := `
local io = use("io")
function render(fields, assets) end
`
	r := New(Options{})
	_, err := r.Execute(context.Background(), src, nil, nil)
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Contains(t, err.Error(), "not a rendering primitive")
}

func TestEscapeHatchesAreScrubbed(t *testing.T) {
	src := `
function render(fields, assets)
	return loadstring("return 1")
end
`
	r := New(Options{})
	_, err := r.Execute(context.Background(), src, nil, nil)
	require.Error(t, err)
	var runtimeErr *RuntimeError
	assert.ErrorAs(t, err, &runtimeErr, "calling a scrubbed global fails at run time")
}

func TestSyntaxErrorIsCompileError(t *testing.T) {
	r := New(Options{})
	_, err := r.Execute(context.Background(), "function render(", nil, nil)
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestMissingRenderFunction(t *testing.T) {
	r := New(Options{})
	_, err := r.Execute(context.Background(), "local x = 1", nil, nil)
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Contains(t, err.Error(), "render(fields, assets)")
}

func TestWallBudgetBoundsExecution(t *testing.T) {
	src := `
function render(fields, assets)
	while true do end
end
`
	r := New(Options{WallBudget: 50 * time.Millisecond})
	start := time.Now()
	_, err := r.Execute(context.Background(), src, nil, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Contains(t, err.Error(), "budget")
	assert.Less(t, elapsed, 5*time.Second, "the loop must be cut off by the budget")
}

func TestWallBudgetBoundsTopLevelCode(t *testing.T) {
	src := `
while true do end
function render(fields, assets) end
`
	r := New(Options{WallBudget: 50 * time.Millisecond})
	start := time.Now()
	_, err := r.Execute(context.Background(), src, nil, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr, "top-level code runs at bind, so its budget expiry is a compile failure")
	assert.Contains(t, err.Error(), "budget")
	assert.Less(t, elapsed, 5*time.Second, "top-level loops must be cut off by the budget")
}

func TestRuntimeErrorFromScript(t *testing.T) {
	src := `
function render(fields, assets)
	error("template blew up")
end
`
	r := New(Options{})
	_, err := r.Execute(context.Background(), src, nil, nil)
	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Contains(t, err.Error(), "template blew up")
}

func TestBadReturnValue(t *testing.T) {
	src := `
function render(fields, assets)
	return 42
end
`
	r := New(Options{})
	_, err := r.Execute(context.Background(), src, nil, nil)
	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Contains(t, err.Error(), "document")
}

func TestCompileCacheReusesChunks(t *testing.T) {
	r := New(Options{})
	first, err := r.Compile(goodScript)
	require.NoError(t, err)
	second, err := r.Compile(goodScript)
	require.NoError(t, err)
	assert.Same(t, first, second, "identical source reuses the compiled chunk")

	// A cached chunk still renders in a fresh state each time.
	_, err = r.Execute(context.Background(), goodScript, testFields(), nil)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), goodScript, testFields(), nil)
	require.NoError(t, err)
}
