// ABOUTME: Output side of envfile: dotenv rendering, timestamped backups and private atomic writes
// ABOUTME: Rendering goes through godotenv so quoting matches what dotenv loaders expect

package envfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Render formats values as a dotenv document, sorted by key.
func Render(values map[string]string) (string, error) {
	out, err := godotenv.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("rendering env: %w", err)
	}
	return out + "\n", nil
}

// Backup copies path to <path>.backup.<YYYYMMDD_HHMMSS> and returns the copy's
// path. A missing file is not an error and yields "".
func Backup(path string, now time.Time) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}

	dst := path + ".backup." + now.Format("20060102_150405")
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copying backup: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// WriteSecretFile atomically replaces path with content, readable only by
// the owner. Missing parent directories are created.
func WriteSecretFile(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
