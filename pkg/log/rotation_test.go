// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriter(t *testing.T) {
	name := filepath.Join(t.TempDir(), "sub", "dacctl.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.Size() != 6 {
		t.Errorf("Size = %d, want 6", w.Size())
	}
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file content = %q", data)
	}
}

func TestRotatingFileWriterRotation(t *testing.T) {
	name := filepath.Join(t.TempDir(), "dacctl.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name, MaxSizeKB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	line := []byte(strings.Repeat("x", 600) + "\n")
	for i := 0; i < 4; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	for _, n := range []string{name, name + ".1", name + ".2"} {
		if _, err := os.Stat(n); err != nil {
			t.Errorf("expected %s to exist: %v", n, err)
		}
	}
	if _, err := os.Stat(name + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup beyond MaxBackups should not exist")
	}
}

func TestRotationEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Fatal("expected error for empty filename")
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := NewRotatingFileWriter(RotationConfig{Filename: filepath.Join(t.TempDir(), "a.log")})
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := w.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to closed writer")
	}
}
