package video

// QualityPreset is one rung of the fixed encoding ladder.
type QualityPreset struct {
	Name    string
	Height  int64
	Bitrate string // target video bitrate for libx264
	Maxrate string // VBV cap
	CRF     int
	// Bandwidth is the value advertised in the master playlist, covering
	// video peak plus audio.
	Bandwidth uint32
	// Codecs is the RFC 6381 string for the playlist CODECS attribute.
	Codecs string
	Level  string
}

// Presets is the encoding ladder in processing order, highest quality first.
// The master playlist reverses this into ascending-resolution order.
var Presets = []QualityPreset{
	{Name: "480p", Height: 480, Bitrate: "800k", Maxrate: "1200k", CRF: 23, Bandwidth: 1_300_000, Codecs: "avc1.4d001f,mp4a.40.2", Level: "3.1"},
	{Name: "360p", Height: 360, Bitrate: "500k", Maxrate: "750k", CRF: 23, Bandwidth: 850_000, Codecs: "avc1.4d001f,mp4a.40.2", Level: "3.1"},
	{Name: "240p", Height: 240, Bitrate: "300k", Maxrate: "450k", CRF: 22, Bandwidth: 550_000, Codecs: "avc1.4d0015,mp4a.40.2", Level: "3.1"},
	{Name: "144p", Height: 144, Bitrate: "150k", Maxrate: "225k", CRF: 21, Bandwidth: 325_000, Codecs: "avc1.4d000d,mp4a.40.2", Level: "3.1"},
}

// PresetByName returns the ladder entry for a quality tag.
func PresetByName(name string) (QualityPreset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return QualityPreset{}, false
}

// AverageBandwidth is the playlist AVERAGE-BANDWIDTH estimate: the target
// video bitrate plus the fixed audio bitrate.
func (p QualityPreset) AverageBandwidth() uint32 {
	return uint32(bitrateBps(p.Bitrate) + audioBitrateBps)
}

// ScaledWidth computes the output width for a target height preserving the
// source aspect ratio, rounded to the nearest even integer as required by
// yuv420p.
func ScaledWidth(srcWidth, srcHeight, targetHeight int64) int64 {
	if srcWidth <= 0 || srcHeight <= 0 {
		return 0
	}
	w := (srcWidth*targetHeight + srcHeight/2) / srcHeight
	return nearestEven(w)
}

func nearestEven(input int64) int64 {
	return input + (input & 1)
}

func bitrateBps(rate string) int64 {
	var n int64
	for _, c := range rate {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int64(c-'0')
	}
	return n * 1000
}
