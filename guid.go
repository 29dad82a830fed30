package daemonfx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GUID derives the IPC token described in §6 "IPC token derivation":
// concatenate the daemon executable path and the worker alias, normalize
// path separators and dots to underscores, place a sentinel file named
// "<normalized>.ftok" in the temp directory, and derive the token from
// that file's inode combined with the first byte of the alias. Parent and
// every forked child independently re-derive the same value because both
// start from the same (executable path, alias) pair.
func GUID(exePath, alias string) (token string, sentinelPath string, err error) {
	normalized := normalizeToken(exePath, alias)
	sentinelPath = filepath.Join(os.TempDir(), normalized+".ftok")

	f, err := os.OpenFile(sentinelPath, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("daemonfx: create ftok sentinel: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", "", fmt.Errorf("daemonfx: stat ftok sentinel: %w", err)
	}

	inode := inodeOf(fi)
	var firstByte byte
	if len(alias) > 0 {
		firstByte = alias[0]
	}
	return fmt.Sprintf("%d-%d", inode, firstByte), sentinelPath, nil
}

// normalizeToken replaces path separators and dots with underscores, per
// §6.
func normalizeToken(exePath, alias string) string {
	raw := exePath + "_" + alias
	raw = strings.ReplaceAll(raw, string(filepath.Separator), "_")
	raw = strings.ReplaceAll(raw, ".", "_")
	return raw
}

// RemoveSentinel unlinks the ftok sentinel file; called at process exit
// per §6 ("The sentinel file is unlinked at process exit").
func RemoveSentinel(sentinelPath string) {
	_ = os.Remove(sentinelPath)
}
