package backend

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"flotilla/internal/ensemble"
)

// parseDirective splits a staging directive "src > dst" into its parts.
// Without the separator the destination defaults to the source basename.
func parseDirective(directive string) (string, string, error) {
	src := directive
	dst := ""
	if idx := strings.Index(directive, ">"); idx >= 0 {
		src = directive[:idx]
		dst = directive[idx+1:]
	}
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == "" {
		return "", "", fmt.Errorf("staging directive %q: empty source", directive)
	}
	if dst == "" {
		dst = filepath.Base(src)
	}
	return src, dst, nil
}

func resolveUnder(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// stageIn materializes a task's declared inputs inside its sandbox. Uploads
// are copied with integrity verification, copies are plain streams, links are
// symlinks back to the absolute source.
func stageIn(rec ensemble.TaskRecord, sandbox string) error {
	for _, directive := range rec.UploadInputData {
		src, dst, err := parseDirective(directive)
		if err != nil {
			return err
		}
		target := resolveUnder(sandbox, dst)
		if err := ensureParent(target); err != nil {
			return fmt.Errorf("stage upload %q: %w", directive, err)
		}
		if err := copyFileVerified(src, target); err != nil {
			return fmt.Errorf("stage upload %q: %w", directive, err)
		}
	}
	for _, directive := range rec.CopyInputData {
		src, dst, err := parseDirective(directive)
		if err != nil {
			return err
		}
		target := resolveUnder(sandbox, dst)
		if err := ensureParent(target); err != nil {
			return fmt.Errorf("stage copy %q: %w", directive, err)
		}
		if err := copyFile(src, target); err != nil {
			return fmt.Errorf("stage copy %q: %w", directive, err)
		}
	}
	for _, directive := range rec.LinkInputData {
		src, dst, err := parseDirective(directive)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("stage link %q: %w", directive, err)
		}
		target := resolveUnder(sandbox, dst)
		if err := ensureParent(target); err != nil {
			return fmt.Errorf("stage link %q: %w", directive, err)
		}
		if err := os.Symlink(abs, target); err != nil {
			return fmt.Errorf("stage link %q: %w", directive, err)
		}
	}
	return nil
}

// stageOut exports declared outputs once the process has exited. Sources are
// relative to the sandbox; relative destinations land under outRoot.
func stageOut(rec ensemble.TaskRecord, sandbox, outRoot string) error {
	directives := make([]string, 0, len(rec.CopyOutputData)+len(rec.DownloadOutputData))
	directives = append(directives, rec.CopyOutputData...)
	directives = append(directives, rec.DownloadOutputData...)
	for _, directive := range directives {
		src, dst, err := parseDirective(directive)
		if err != nil {
			return err
		}
		from := resolveUnder(sandbox, src)
		to := resolveUnder(outRoot, dst)
		if err := ensureParent(to); err != nil {
			return fmt.Errorf("stage output %q: %w", directive, err)
		}
		if err := copyFile(from, to); err != nil {
			return fmt.Errorf("stage output %q: %w", directive, err)
		}
	}
	return nil
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// copyFile streams src to dst with default permissions (0o644).
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// copyFileVerified streams src to dst with SHA256 + size integrity checks.
// Removes dst on mismatch.
func copyFileVerified(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	srcSize := srcInfo.Size()

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	tee := io.TeeReader(in, srcHasher)
	multi := io.MultiWriter(out, dstHasher)

	written, err := io.Copy(multi, tee)
	if err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if written != srcSize {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcSize, written)
	}

	if !bytes.Equal(srcHasher.Sum(nil), dstHasher.Sum(nil)) {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return nil
}
