package fields

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/webp"
)

// Store fetches asset bytes by reference. Implemented by the surrounding
// application (blob store, filesystem, ...).
type Store interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Asset is a resolved slot: either a decoded, normalized image or an
// explicit absent marker that downstream renderers draw as a placeholder.
type Asset struct {
	Slot   string
	Absent bool
	Image  image.Image
	// Data holds the baseline-encoded bytes (PNG or the original JPEG).
	// Formats not universally supported downstream (animated GIF, WebP)
	// are transcoded to PNG.
	Data   []byte
	Format string
}

// AssetMap holds resolved assets keyed by slot name.
type AssetMap map[string]Asset

// ResolveAssets resolves every declared slot. Missing references, fetch
// failures and undecodable bytes all degrade to an absent marker; this
// stage never fails a render.
func ResolveAssets(ctx context.Context, slots []SlotDef, refs map[string]string, store Store) AssetMap {
	out := make(AssetMap, len(slots))
	for _, slot := range slots {
		out[slot.Name] = resolveSlot(ctx, slot, refs[slot.Name], store)
	}
	return out
}

func resolveSlot(ctx context.Context, slot SlotDef, ref string, store Store) Asset {
	absent := Asset{Slot: slot.Name, Absent: true}
	if ref == "" || store == nil {
		return absent
	}
	data, err := store.Get(ctx, ref)
	if err != nil || len(data) == 0 {
		return absent
	}
	img, format, err := decode(data)
	if err != nil {
		return absent
	}
	norm, normFormat, err := normalize(img, format, data)
	if err != nil {
		return absent
	}
	return Asset{Slot: slot.Name, Image: img, Data: norm, Format: normFormat}
}

func decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}
	// WebP is not self-registering via the stdlib import set.
	if w, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return w, "webp", nil
	}
	return nil, "", err
}

// normalize transcodes non-baseline encodings to PNG. Animated GIFs keep
// only their first frame, which image.Decode already selected.
func normalize(img image.Image, format string, original []byte) ([]byte, string, error) {
	switch format {
	case "png", "jpeg":
		return original, format, nil
	default:
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "png", nil
	}
}
