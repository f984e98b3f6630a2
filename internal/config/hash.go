package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// ModuleDigest computes the BLAKE3 hash of the worker module file. It identifies
// which build of a module a farm is running in logs and `workfarm check`.
func ModuleDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open module: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read module: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyModuleDigest checks the module against an expected BLAKE3 digest.
func VerifyModuleDigest(path, expected string) error {
	actual, err := ModuleDigest(path)
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("digest mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return nil
}
