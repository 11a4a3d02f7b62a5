package video

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/require"
)

func masterVariants() []Variant {
	variants := make([]Variant, 0, len(Presets))
	for _, p := range Presets {
		variants = append(variants, Variant{
			Preset: p,
			Width:  ScaledWidth(1920, 1080, p.Height),
			Height: p.Height,
			URI:    p.Name + ".m3u8",
		})
	}
	return variants
}

func TestMasterPlaylistOrdersAscending(t *testing.T) {
	// input is highest-first; output must be lowest-first
	buf, err := GenerateMasterPlaylist(masterVariants())
	require.NoError(t, err)
	content := string(buf)

	require.True(t, strings.HasPrefix(content, "#EXTM3U"))
	require.Contains(t, content, "#EXT-X-VERSION:3")

	i144 := strings.Index(content, "144p.m3u8")
	i240 := strings.Index(content, "240p.m3u8")
	i360 := strings.Index(content, "360p.m3u8")
	i480 := strings.Index(content, "480p.m3u8")
	require.True(t, i144 >= 0 && i144 < i240 && i240 < i360 && i360 < i480)
}

func TestMasterPlaylistVariantAttributes(t *testing.T) {
	buf, err := GenerateMasterPlaylist(masterVariants())
	require.NoError(t, err)
	content := string(buf)

	require.Contains(t, content, "BANDWIDTH=1300000")
	require.Contains(t, content, "AVERAGE-BANDWIDTH=864000")
	require.Contains(t, content, `CODECS="avc1.4d001f,mp4a.40.2"`)
	require.Contains(t, content, `CODECS="avc1.4d000d,mp4a.40.2"`)
	require.Contains(t, content, "RESOLUTION=854x480")
	require.Contains(t, content, "RESOLUTION=256x144")
	require.Contains(t, content, `NAME="480p"`)
}

func TestMasterPlaylistResolutionComesFromEncodedFile(t *testing.T) {
	preset, _ := PresetByName("480p")
	// odd source that encoded to a non-preset width
	buf, err := GenerateMasterPlaylist([]Variant{{
		Preset: preset,
		Width:  720,
		Height: 480,
		URI:    "480p.m3u8",
	}})
	require.NoError(t, err)
	require.Contains(t, string(buf), "RESOLUTION=720x480")
}

func TestMasterPlaylistRoundTrip(t *testing.T) {
	buf, err := GenerateMasterPlaylist(masterVariants())
	require.NoError(t, err)

	parsed := m3u8.NewMasterPlaylist()
	require.NoError(t, parsed.DecodeFrom(bytes.NewReader(buf), true))
	require.Equal(t, string(buf), parsed.Encode().String())
}

func TestMasterPlaylistRejectsEmpty(t *testing.T) {
	_, err := GenerateMasterPlaylist(nil)
	require.Error(t, err)
}
