package upload

import (
	"os"
	"path/filepath"
	"strings"
)

// File is one on-disk file under a download path, relative-path
// normalized to forward slashes.
type File struct {
	RelPath string
	AbsPath string
	Size    int64
}

// excludedNames are engine-local artifacts spec.md §4.8 step 5 excludes
// from every upload/sync walk.
var excludedNames = map[string]bool{
	"dht_nodes.cache": true,
	"fastresume":      true,
}

func excluded(name string) bool {
	if excludedNames[name] {
		return true
	}
	return strings.HasSuffix(name, ".fresume") || strings.HasSuffix(name, ".dht")
}

// Walk enumerates every uploadable file under root, excluding
// engine-local artifacts, in a stable (lexical) order so resuming
// from a filesSynced/filesCompleted index is well-defined.
func Walk(root string) ([]File, error) {
	var files []File
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if excluded(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			RelPath: filepath.ToSlash(rel),
			AbsPath: path,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
