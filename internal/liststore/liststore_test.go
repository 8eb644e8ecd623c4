package liststore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_MissingFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "missing.list"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestAddExistRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admins.list")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if s.Exist("alice") {
		t.Error("Exist(alice) should be false before Add")
	}

	if err := s.Add("alice"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !s.Exist("alice") {
		t.Error("Exist(alice) should be true after Add")
	}

	if err := s.Remove("alice"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if s.Exist("alice") {
		t.Error("Exist(alice) should be false after Remove")
	}
}

func TestIterate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admins.list")
	s, _ := Open(path)
	s.Add("alice")
	s.Add("bob")

	seen := map[string]bool{}
	s.Iterate(func(v string) { seen[v] = true })

	if !seen["alice"] || !seen["bob"] {
		t.Errorf("Iterate() saw %v, want alice and bob", seen)
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admins.list")
	s, _ := Open(path)
	s.Add("alice")

	// Simulate an external writer appending a line directly to the file.
	time.Sleep(10 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	f.WriteString("carol\n")
	f.Close()

	if !s.Exist("carol") {
		t.Error("Exist(carol) should pick up the externally appended line")
	}
}
