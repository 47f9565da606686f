package fields

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore struct {
	blobs map[string][]byte
	fail  map[string]bool
}

func (s *mapStore) Get(_ context.Context, ref string) ([]byte, error) {
	if s.fail[ref] {
		return nil, errors.New("store unavailable")
	}
	return s.blobs[ref], nil
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeGIF(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestResolveAssetsDecodesPNG(t *testing.T) {
	pngBytes := encodePNG(t, 2, 3)
	store := &mapStore{blobs: map[string][]byte{"blob/logo": pngBytes}}

	out := ResolveAssets(context.Background(),
		[]SlotDef{{Name: "LOGO", Required: true}},
		map[string]string{"LOGO": "blob/logo"}, store)

	asset := out["LOGO"]
	require.False(t, asset.Absent)
	assert.Equal(t, "png", asset.Format)
	assert.Equal(t, pngBytes, asset.Data, "baseline formats keep their original bytes")
	require.NotNil(t, asset.Image)
	assert.Equal(t, image.Rect(0, 0, 2, 3), asset.Image.Bounds())
}

func TestResolveAssetsTranscodesGIF(t *testing.T) {
	store := &mapStore{blobs: map[string][]byte{"blob/anim": encodeGIF(t)}}

	out := ResolveAssets(context.Background(),
		[]SlotDef{{Name: "ANIM"}},
		map[string]string{"ANIM": "blob/anim"}, store)

	asset := out["ANIM"]
	require.False(t, asset.Absent)
	assert.Equal(t, "png", asset.Format, "non-baseline formats are transcoded")
	_, err := png.Decode(bytes.NewReader(asset.Data))
	assert.NoError(t, err)
}

func TestResolveAssetsDegradesToAbsent(t *testing.T) {
	store := &mapStore{
		blobs: map[string][]byte{"blob/garbage": []byte("not an image")},
		fail:  map[string]bool{"blob/broken": true},
	}
	slots := []SlotDef{
		{Name: "NOREF"},
		{Name: "BROKEN"},
		{Name: "GARBAGE"},
	}
	out := ResolveAssets(context.Background(), slots, map[string]string{
		"BROKEN":  "blob/broken",
		"GARBAGE": "blob/garbage",
	}, store)

	for _, slot := range slots {
		asset, ok := out[slot.Name]
		require.True(t, ok, "every declared slot resolves")
		assert.True(t, asset.Absent, "slot %s should be absent", slot.Name)
		assert.Equal(t, slot.Name, asset.Slot)
	}
}
