// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package cli

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestScanner_IsExcluded(t *testing.T) {
	s := NewScanner("/data", []string{"*.tmp", ".git/**", "*/cache/", "stems/*.wav"})

	cases := []struct {
		rel   string
		isDir bool
		want  bool
	}{
		{"mix.tmp", false, true},
		{"album/take1.tmp", false, true},
		{".git", true, true},
		{"sub/.git/HEAD", false, true},
		{"cache", true, true},
		{"album/cache", true, true},
		{"album/cache", false, false},
		{"stems/kick.wav", false, true},
		{"album/stems/kick.wav", false, false},
		{"album/mix.wav", false, false},
	}
	for _, tc := range cases {
		if got := s.isExcluded(tc.rel, tc.isDir); got != tc.want {
			t.Errorf("isExcluded(%q, dir=%v) = %v, want %v", tc.rel, tc.isDir, got, tc.want)
		}
	}
}

func TestScanner_Scan(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"a.wav":          "aaaa",
		"album/b.wav":    "bb",
		"album/skip.tmp": "x",
		"cache/c.bin":    "c",
		"album/empty":    "",
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	s := NewScanner(root, []string{"*.tmp", "cache/"})
	var got []string
	sizes := map[string]int64{}
	err := s.Scan(context.Background(), func(e FileEntry) error {
		got = append(got, e.RelPath)
		sizes[e.RelPath] = e.Size
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"a.wav", "album/b.wav", "album/empty"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected entries: %v", got)
	}
	if sizes["a.wav"] != 4 || sizes["album/b.wav"] != 2 {
		t.Errorf("unexpected sizes: %v", sizes)
	}
}

func TestScanner_Cancelled(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "a"), []byte("a"), 0644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewScanner(root, nil).Scan(ctx, func(FileEntry) error { return nil })
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFileEntry_Dir(t *testing.T) {
	if d := (FileEntry{RelPath: "a.wav"}).Dir(); d != "" {
		t.Errorf("expected empty dir at root, got %q", d)
	}
	if d := (FileEntry{RelPath: "album/raw/a.wav"}).Dir(); d != "album/raw" {
		t.Errorf("expected album/raw, got %q", d)
	}
}
