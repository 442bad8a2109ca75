package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const writeAttempts = 3

// WriteFileAtomic writes content via a temp file and rename so readers never
// see a partial file. Retries up to 3 times with backoff.
func WriteFileAtomic(path string, content []byte) error {
	return retry(func() error { return writeFileAtomicOnce(path, content) })
}

// AppendLine appends one newline-terminated line, creating the file if needed.
// Retries up to 3 times with backoff.
func AppendLine(path string, line []byte) error {
	return retry(func() error { return appendLineOnce(path, line) })
}

func retry(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(100*(1<<uint(attempt-1))) * time.Millisecond)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", writeAttempts, lastErr)
}

func writeFileAtomicOnce(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	return nil
}

func appendLineOnce(path string, line []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening file %s: %w", path, err)
	}
	defer f.Close()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing to file: %w", err)
	}
	return f.Sync()
}
