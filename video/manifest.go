package video

import (
	"fmt"
	"os"
	"sort"

	"github.com/grafov/m3u8"
)

// Variant is one successfully-segmented rendition destined for the master
// playlist. Width and Height are the encoded file's actual dimensions, not
// the preset targets.
type Variant struct {
	Preset QualityPreset
	Width  int64
	Height int64
	// URI is the rendition playlist path relative to the master.
	URI string
}

// GenerateMasterPlaylist renders the master playlist for the given variants,
// ordered ascending by resolution so players start on the cheapest rendition.
func GenerateMasterPlaylist(variants []Variant) ([]byte, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants to write")
	}

	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Height != sorted[j].Height {
			return sorted[i].Height < sorted[j].Height
		}
		return sorted[i].Width < sorted[j].Width
	})

	master := m3u8.NewMasterPlaylist()
	for _, v := range sorted {
		master.Append(v.URI, nil, m3u8.VariantParams{
			Bandwidth:        v.Preset.Bandwidth,
			AverageBandwidth: v.Preset.AverageBandwidth(),
			Resolution:       fmt.Sprintf("%dx%d", v.Width, v.Height),
			Codecs:           v.Preset.Codecs,
			Name:             v.Preset.Name,
		})
	}
	return master.Encode().Bytes(), nil
}

// WriteMasterPlaylist renders and writes master.m3u8 at path.
func WriteMasterPlaylist(path string, variants []Variant) error {
	buf, err := GenerateMasterPlaylist(variants)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("error writing master playlist: %w", err)
	}
	return nil
}
