package cache

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	docExt  = ".md"
	metaExt = ".meta.json"

	dirPerm  = 0o755
	filePerm = 0o644
)

const htaccess = `Options -Indexes
<IfModule mod_authz_core.c>
    Require all denied
    <Files "*.md">
        Require all granted
    </Files>
</IfModule>
<IfModule !mod_authz_core.c>
    Deny from all
    <Files "*.md">
        Allow from all
    </Files>
</IfModule>
`

// FileStore implements Store on the local filesystem. Documents live at
// <root>/<key>.md and named variants under <root>/variant/<variant>/<key>.md.
type FileStore struct {
	root string
	log  zerolog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the cache root if needed and protects it from listing.
func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, zerr.Wrap(err, "resolve cache root")
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "create cache root"), "root", abs)
	}

	fc := &FileStore{
		root: abs,
		log:  logger.With().Str("component", "cache").Logger(),
	}
	fc.protect(abs)
	return fc, nil
}

// Root returns the absolute cache root.
func (fc *FileStore) Root() string {
	return fc.root
}

// PathFor returns the absolute document location for key and variant. The key is
// re-validated and the result must sit strictly inside the cache root.
func (fc *FileStore) PathFor(key, variant string) (string, error) {
	safe, ok := Sanitize(key)
	if !ok || safe != key {
		return "", zerr.With(zerr.Wrap(ErrUnsafePath, "resolve cache path"), "key", key)
	}
	if first, _, _ := strings.Cut(safe, "/"); first == variantNamespace {
		return "", zerr.With(zerr.Wrap(ErrUnsafePath, "key uses the variant namespace"), "key", key)
	}
	if v := SanitizeVariant(variant); v != variant {
		return "", zerr.With(zerr.Wrap(ErrUnsafePath, "resolve cache path"), "variant", variant)
	}

	var p string
	if variant == "" {
		p = filepath.Join(fc.root, filepath.FromSlash(safe)+docExt)
	} else {
		p = filepath.Join(fc.root, variantNamespace, variant, filepath.FromSlash(safe)+docExt)
	}

	if !strings.HasPrefix(p, fc.root+string(filepath.Separator)) {
		return "", zerr.With(zerr.Wrap(ErrUnsafePath, "resolve cache path"), "path", p)
	}
	return p, nil
}

func metaPathFor(docPath string) string {
	return strings.TrimSuffix(docPath, docExt) + metaExt
}

// ReadMeta implements Reader.
func (fc *FileStore) ReadMeta(key, variant string) (*Meta, bool) {
	p, err := fc.PathFor(key, variant)
	if err != nil {
		return nil, false
	}
	return readMeta(metaPathFor(p))
}

// ReadDocument implements Reader.
func (fc *FileStore) ReadDocument(key, variant string) ([]byte, bool) {
	p, err := fc.PathFor(key, variant)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ReadIfFresh implements Reader. Modification times are compared at second
// precision so filesystems with coarse timestamps still see their own writes as fresh.
func (fc *FileStore) ReadIfFresh(key, variant string, notOlderThan time.Time) (*Entry, bool) {
	p, err := fc.PathFor(key, variant)
	if err != nil {
		return nil, false
	}

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}
	if info.ModTime().Unix() < notOlderThan.Unix() {
		fc.log.Debug().Str("key", key).Str("variant", variant).Msg("cache entry stale")
		return nil, false
	}

	data, err := os.ReadFile(p)
	if err != nil {
		// removed or replaced between stat and read
		return nil, false
	}

	meta, ok := readMeta(metaPathFor(p))
	if !ok {
		return nil, false
	}

	return &Entry{Document: data, Meta: *meta, ModTime: info.ModTime()}, true
}

// readMeta parses a sidecar; anything other than a JSON object is a miss.
func readMeta(path string) (*Meta, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, false
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// Write implements Writer. The document's mtime is set to modTime, the owning
// entity's modification time, before it is renamed into place.
func (fc *FileStore) Write(key, variant string, doc []byte, meta Meta, modTime time.Time) {
	p, err := fc.PathFor(key, variant)
	if err != nil {
		fc.log.Error().Err(err).Str("key", key).Str("variant", variant).Msg("refusing to write cache file")
		return
	}

	dir := filepath.Dir(p)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			fc.log.Error().Err(err).Str("path", dir).Msg("failed to create cache directory")
			return
		}
		fc.protect(dir)
	}

	if err := writeFileAtomic(p, doc, modTime); err != nil {
		fc.log.Error().Err(err).Str("path", p).Msg("failed to write cache file")
	}

	data, err := json.Marshal(meta)
	if err != nil {
		fc.log.Error().Err(err).Str("key", key).Msg("failed to encode meta file")
		return
	}
	if err := writeFileAtomic(metaPathFor(p), data, time.Time{}); err != nil {
		fc.log.Error().Err(err).Str("path", metaPathFor(p)).Msg("failed to write meta file")
	}
}

// writeFileAtomic writes to a temporary file in the target directory and renames
// it over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, modTime time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Delete implements Writer.
func (fc *FileStore) Delete(key, variant string) {
	p, err := fc.PathFor(key, variant)
	if err != nil {
		return
	}
	fc.safeUnlink(p)
	fc.safeUnlink(metaPathFor(p))
}

// Purge implements Writer.
func (fc *FileStore) Purge(key string) {
	fc.Delete(key, "")
	for _, v := range fc.variants() {
		fc.Delete(key, v)
	}
}

// PurgePrefix implements Writer. Each <key>/ directory, in the default tree and
// under every variant, is emptied and removed.
func (fc *FileStore) PurgePrefix(key string) {
	for _, variant := range append([]string{""}, fc.variants()...) {
		p, err := fc.PathFor(key, variant)
		if err != nil {
			return
		}
		dir := strings.TrimSuffix(p, docExt)
		info, err := os.Lstat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		fc.rmdirContents(dir)
		if err := os.Remove(dir); err != nil {
			fc.log.Warn().Err(err).Str("path", dir).Msg("failed to remove cache directory")
		}
	}
}

// variants lists the named variant directories present on disk.
func (fc *FileStore) variants() []string {
	entries, err := os.ReadDir(filepath.Join(fc.root, variantNamespace))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && SanitizeVariant(e.Name()) == e.Name() {
			names = append(names, e.Name())
		}
	}
	return names
}

// FlushAll implements Writer. The root itself is kept and re-protected.
func (fc *FileStore) FlushAll() {
	fc.rmdirContents(fc.root)
	fc.protect(fc.root)
	fc.log.Info().Str("root", fc.root).Msg("cache flushed")
}

// rmdirContents recursively deletes everything inside dir. Symbolic links are
// removed themselves and never followed.
func (fc *FileStore) rmdirContents(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fc.log.Error().Err(err).Str("path", dir).Msg("failed to scan cache directory")
		return
	}

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())

		if e.Type()&fs.ModeSymlink != 0 {
			if err := os.Remove(p); err != nil {
				fc.log.Error().Err(err).Str("path", p).Msg("failed to remove symlink")
			}
			continue
		}

		if e.IsDir() {
			fc.rmdirContents(p)
			if err := os.Remove(p); err != nil {
				fc.log.Warn().Err(err).Str("path", p).Msg("failed to remove cache directory")
			}
			continue
		}

		fc.safeUnlink(p)
	}
}

// safeUnlink removes path. If removal fails the file is truncated so stale
// content can never be served from it.
func (fc *FileStore) safeUnlink(path string) {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return
	}

	if terr := os.Truncate(path, 0); terr != nil {
		fc.log.Error().Err(err).Str("path", path).Msg("failed to delete or truncate cache file")
		return
	}
	fc.log.Error().Err(err).Str("path", path).Msg("failed to delete cache file, truncated")
}

// protect drops marker files that stop directory listing on common web servers
// in case the cache root is placed inside a document root.
func (fc *FileStore) protect(dir string) {
	markers := map[string]string{
		"index.html": "",
		".htaccess":  htaccess,
	}
	for name, body := range markers {
		p := filepath.Join(dir, name)
		if _, err := os.Lstat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(body), filePerm); err != nil {
			fc.log.Warn().Err(err).Str("path", p).Msg("failed to write protection file")
		}
	}
}
