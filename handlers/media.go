package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/wpvideo/compress-api/errors"
)

// Cache lifetimes by extension. Compressed renditions and segments are
// immutable once written; playlists can be rewritten when a job reruns.
var mediaCacheControl = map[string]string{
	".mp4":  "public, max-age=31536000, immutable",
	".webm": "public, max-age=31536000, immutable",
	".ts":   "public, max-age=31536000, immutable",
	".webp": "public, max-age=31536000, immutable",
	".m3u8": "public, max-age=10",
}

// Explicit types for everything we serve; the host mime table cannot be
// trusted to know video extensions.
var mediaContentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".webp": "image/webp",
}

// ServeContent serves compressed renditions, HLS playlists and thumbnails
// from the content directory. Range requests are honored so players can
// seek without downloading the whole rendition.
func (d *CompressAPIHandlersCollection) ServeContent() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		rel := params.ByName("filepath")
		clean := path.Clean("/" + rel)
		if strings.Contains(rel, "..") || clean == "/" {
			errors.WriteHTTPBadRequest(w, "Invalid content path", nil)
			return
		}

		full := filepath.Join(d.Layout.ContentRoot, filepath.FromSlash(clean))
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			errors.WriteHTTPNotFound(w, "No such file", err)
			return
		}
		f, err := os.Open(full)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot open file", err)
			return
		}
		defer f.Close()

		ext := strings.ToLower(filepath.Ext(full))
		if ct, ok := mediaContentTypes[ext]; ok {
			w.Header().Set("Content-Type", ct)
		}
		if cc, ok := mediaCacheControl[ext]; ok {
			w.Header().Set("Cache-Control", cc)
		}
		w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()))

		// ServeContent handles Range, If-Range and conditional headers and
		// sets Accept-Ranges and Last-Modified.
		http.ServeContent(w, req, info.Name(), info.ModTime(), f)
	}
}
