package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wpvideo/compress-api/queue"
)

// MediaLayout resolves filesystem paths and public URLs for job outputs.
// Every job owns one directory: <contentRoot>/<YYYY>/<MM>/<postId>/.
type MediaLayout struct {
	UploadsRoot string
	ContentRoot string
	BaseURL     string
}

// JobLayout is the resolved layout for a single job.
type JobLayout struct {
	dir     string
	urlBase string
}

func (m MediaLayout) ForJob(sub queue.Submission) JobLayout {
	rel := filepath.Join(fmt.Sprintf("%04d", sub.Year), fmt.Sprintf("%02d", sub.Month), fmt.Sprintf("%d", sub.PostID))
	return JobLayout{
		dir:     filepath.Join(m.ContentRoot, rel),
		urlBase: strings.TrimSuffix(m.BaseURL, "/") + "/content/" + filepath.ToSlash(rel),
	}
}

// LocalSourcePath resolves a submitted media path against the uploads root.
func (m MediaLayout) LocalSourcePath(mediaPath string) string {
	return filepath.Join(m.UploadsRoot, mediaPath)
}

func (l JobLayout) Dir() string    { return l.dir }
func (l JobLayout) HLSDir() string { return filepath.Join(l.dir, "hls") }

func (l JobLayout) OriginalPath(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	return filepath.Join(l.dir, "original."+ext)
}

func (l JobLayout) CompressedPath(quality string) string {
	return filepath.Join(l.dir, "compressed_"+quality+".mp4")
}

func (l JobLayout) PlaylistPath(quality string) string {
	return filepath.Join(l.HLSDir(), quality+".m3u8")
}

func (l JobLayout) MasterPlaylistPath() string {
	return filepath.Join(l.HLSDir(), "master.m3u8")
}

func (l JobLayout) ThumbnailPath() string {
	return filepath.Join(l.dir, "thumbnail.webp")
}

// FindOriginal locates a previously fetched original.* file, if any.
func (l JobLayout) FindOriginal() (string, bool) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "original.*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// URL maps a file inside the job directory to its public URL.
func (l JobLayout) URL(name string) string {
	return l.urlBase + "/" + name
}

// HLSURL maps a file inside the hls/ subdirectory to its public URL.
func (l JobLayout) HLSURL(name string) string {
	return l.urlBase + "/hls/" + name
}

// Cleanup removes any outputs left by a previous run of the same post:
// original.*, compressed_*.mp4, the hls/ tree and thumbnail.*. It runs before
// any new write so reprocessing is idempotent.
func (l JobLayout) Cleanup() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("error creating job directory %s: %w", l.dir, err)
	}
	for _, pattern := range []string{"original.*", "compressed_*.mp4", "thumbnail.*"} {
		matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("error removing stale output %s: %w", m, err)
			}
		}
	}
	if err := os.RemoveAll(l.HLSDir()); err != nil {
		return fmt.Errorf("error removing stale hls dir: %w", err)
	}
	return nil
}
