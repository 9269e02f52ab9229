package orchestrator

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
)

// fileRef is a file URL split into the platform it targets and the file.
type fileRef struct {
	Platform string
	Filename string
}

// parseFileURL reads the platform from the "platform" query parameter or,
// failing that, from the second to last dot segment of the file name
// ("index.ios.bundle", "index.ios.bundle.map").
func parseFileURL(raw string) (fileRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fileRef{}, ferrors.WrapError(err, ferrors.CategoryValidation, "invalid file URL").
			WithContext("url", raw).
			Build()
	}
	name := strings.TrimLeft(u.Path, "/")
	if name == "" {
		return fileRef{}, ferrors.ValidationError("file URL has no path").
			WithContext("url", raw).
			Build()
	}
	platform := u.Query().Get("platform")
	if platform == "" {
		platform = platformFromName(path.Base(name))
	}
	return fileRef{Platform: platform, Filename: name}, nil
}

func platformFromName(base string) string {
	parts := strings.Split(strings.TrimSuffix(base, ".map"), ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

var projectRootPattern = regexp.MustCompile(`^\[projectRoot(?:\^(\d+))?\]/?(.*)$`)

// sourceReader serves "[projectRoot]" and "[projectRoot^N]" file names from
// disk, N levels above the project root. Reads are cached until Purge.
type sourceReader struct {
	root  string
	cache *lru.Cache[string, []byte]
}

func newSourceReader(root string, size int) (*sourceReader, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "create source cache").Build()
	}
	return &sourceReader{root: root, cache: cache}, nil
}

// resolve maps a project-root file name to an absolute path. ok is false
// when name does not use the project root prefix.
func (r *sourceReader) resolve(name string) (abs string, ok bool, err error) {
	m := projectRootPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false, nil
	}
	base := r.root
	if m[1] != "" {
		up, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			return "", true, ferrors.ValidationError("invalid project root level").
				WithContext("filename", name).
				Build()
		}
		for range up {
			base = filepath.Dir(base)
		}
	}
	rel := filepath.FromSlash(path.Clean("/" + m[2]))
	return filepath.Join(base, rel), true, nil
}

// Read returns the contents of a project-root file name. ok is false when
// name is not a project-root reference.
func (r *sourceReader) Read(name string) (data []byte, ok bool, err error) {
	abs, ok, err := r.resolve(name)
	if !ok || err != nil {
		return nil, ok, err
	}
	if data, hit := r.cache.Get(abs); hit {
		return data, true, nil
	}
	data, err = os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, ferrors.NotFoundError("source file not found").
				WithContext("filename", name).
				Build()
		}
		return nil, true, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read source file").
			WithContext("filename", name).
			Build()
	}
	r.cache.Add(abs, data)
	return data, true, nil
}

// Purge drops every cached read.
func (r *sourceReader) Purge() {
	r.cache.Purge()
}
