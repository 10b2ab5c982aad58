// Package store is the durability primitive under the registries: crash-safe
// persistence of one JSON document per path via temp-file + rename, with a
// backup restored on failure. Callers must serialize writes to the same path.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/omayhemo/debughost/pkg/apperr"
)

// Read unmarshals the document at path into v. A crash between Write's
// backup and replace renames leaves only path.bak, so a missing or
// undecodable document falls back to the backup and restores it. A missing
// file with no backup is not an error: v is left as the caller's default
// empty document.
func Read(path string, v interface{}) error {
	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(err, apperr.IOError, "reading "+path)
	}

	if err == nil {
		if decodeErr := json.Unmarshal(content, v); decodeErr == nil {
			return nil
		} else if !Exists(path + ".bak") {
			return apperr.Wrap(decodeErr, apperr.DecodeError, "decoding "+path)
		}
	}

	return readBackup(path, v)
}

// readBackup recovers the prior document from path.bak and renames it back
// into place.
func readBackup(path string, v interface{}) error {
	bakPath := path + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(err, apperr.IOError, "reading "+bakPath)
	}

	if err := json.Unmarshal(content, v); err != nil {
		return apperr.Wrap(err, apperr.DecodeError, "decoding "+bakPath)
	}

	if err := os.Rename(bakPath, path); err != nil {
		return apperr.Wrap(err, apperr.IOError, "restoring "+bakPath)
	}

	return nil
}

// Write serializes v and atomically replaces the document at path. The
// sequence is: write path.tmp, rename any existing path to path.bak, rename
// path.tmp over path, remove path.bak. A crash at any step leaves either the
// prior document or the new one intact; on failure the temp file is removed
// and the backup, if already created, is renamed back.
func Write(path string, v interface{}) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Wrap(err, apperr.DecodeError, "encoding "+path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(err, apperr.IOError, "creating data dir for "+path)
	}

	tmpPath := path + ".tmp"
	bakPath := path + ".bak"

	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		os.Remove(tmpPath)
		return apperr.Wrap(err, apperr.IOError, "writing "+tmpPath)
	}

	hadBackup := false
	if Exists(path) {
		if err := os.Rename(path, bakPath); err != nil {
			os.Remove(tmpPath)
			return apperr.Wrap(err, apperr.IOError, "backing up "+path)
		}
		hadBackup = true
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if hadBackup {
			// best effort: the prior document comes back
			os.Rename(bakPath, path)
		}
		return apperr.Wrap(err, apperr.IOError, "replacing "+path)
	}

	if hadBackup {
		os.Remove(bakPath)
	}

	return nil
}

// Exists reports whether a document is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
