package devsession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// UploadProject implements the Project Sync driver (C7): scan root for
// files matching allow (or everything, if allow is empty) whose
// root-relative path does not contain any ignore entry, hash them, diff against the device's own hashes, and upload only
// what changed (spec §4.7).
func (s *Session) UploadProject(ctx context.Context, root string, allow, ignore []string, follow ProgressFunc) (Status, error) {
	local, err := scanAndHash(root, allow, ignore)
	if err != nil {
		return Status{}, fmt.Errorf("devsession: scan project root: %w", err)
	}

	s.mu.Lock()
	s.projectRoot = root
	s.localHashes = local
	s.mu.Unlock()

	relFiles := make([]string, 0, len(local))
	for rel := range local {
		relFiles = append(relFiles, rel)
	}

	remote, err := s.calcHashes(ctx, relFiles)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	s.remoteHashes = remote
	s.mu.Unlock()

	toUpload := diffHashes(local, remote, root)

	if len(toUpload) == 0 {
		return Status{Ok: true}, nil
	}

	return s.UploadFiles(ctx, toUpload, normalizeRemotePath(":"), root, follow != nil, follow)
}

// DownloadProject mirrors the device's whole filesystem to dest (spec
// §4.7): list everything recursively, then download in one call unless
// exactly one file is present, in which case the helper's single-file
// target convention applies.
func (s *Session) DownloadProject(ctx context.Context, dest string, follow ProgressFunc) (Status, error) {
	listing, err := s.ListContentsRecursive(ctx, "/")
	if err != nil {
		return Status{}, err
	}

	var files []string
	for _, rec := range listing.Files {
		if rec.IsDir {
			continue
		}
		files = append(files, rec.Path)
	}
	if len(files) == 0 {
		return Status{Ok: true}, nil
	}

	local := dest
	if len(files) == 1 {
		local = dest + files[0]
	}
	return s.DownloadFiles(ctx, files, local, follow != nil, follow)
}

// diffHashes computes which local files are missing or stale on the device
// (spec §4.7 step 3, §8 property 9): absent or mismatched remote entries go
// to the upload list, joined with root to form absolute local paths.
func diffHashes(local, remote map[string]string, root string) []string {
	var toUpload []string
	for rel, hash := range local {
		if remote[rel] != hash {
			toUpload = append(toUpload, filepath.Join(root, filepath.FromSlash(rel)))
		}
	}
	return toUpload
}

// scanAndHash walks root synchronously, collecting files that pass the
// allow/ignore filters and hashing each with SHA-256 (spec §4.7 step 1).
// Keys are root-relative, forward-slash normalized paths.
func scanAndHash(root string, allow, ignore []string) (map[string]string, error) {
	hashes := make(map[string]string)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if isIgnored(rel, ignore) {
			return nil
		}
		if !isAllowed(rel, allow) {
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[rel] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isIgnored(rel string, ignore []string) bool {
	for _, pat := range ignore {
		if rel == pat || strings.Contains(rel, pat) {
			return true
		}
	}
	return false
}

func isAllowed(rel string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	ext := filepath.Ext(rel)
	for _, a := range allow {
		if ext == a || strings.TrimPrefix(ext, ".") == strings.TrimPrefix(a, ".") {
			return true
		}
	}
	return false
}

// normalizeRemotePath rewrites backslashes and collapses repeated slashes
// to single forward slashes (spec §4.6).
func normalizeRemotePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
