package depot_test

import (
	"os"
	"path/filepath"
	"testing"

	"darwinup-go/internal/depot"
)

func TestRecordFromDisk(t *testing.T) {
	t.Run("missing path yields a no-entry placeholder", func(t *testing.T) {
		t.Parallel()
		rec, err := depot.RecordFromDisk(filepath.Join(t.TempDir(), "nope"), "/nope")
		if err != nil {
			t.Fatalf("RecordFromDisk() error = %v", err)
		}
		if rec.Exists() {
			t.Errorf("record for missing path reports existence")
		}
		if rec.Path != "/nope" {
			t.Errorf("Path = %q, want %q", rec.Path, "/nope")
		}
		if rec.Digest != "" {
			t.Errorf("placeholder has digest %q", rec.Digest)
		}
	})

	t.Run("regular file carries digest and metadata", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		full := filepath.Join(dir, "f")
		if err := os.WriteFile(full, []byte("data"), 0640); err != nil {
			t.Fatalf("write: %v", err)
		}

		rec, err := depot.RecordFromDisk(full, "/f")
		if err != nil {
			t.Fatalf("RecordFromDisk() error = %v", err)
		}
		if !rec.IsRegular() {
			t.Fatalf("record is not regular: mode %o", rec.Mode)
		}
		if rec.Size != 4 {
			t.Errorf("Size = %d, want 4", rec.Size)
		}
		if rec.Digest != depot.DigestBytes([]byte("data")) {
			t.Errorf("Digest = %q, want digest of content", rec.Digest)
		}
	})

	t.Run("symlink digest covers the target", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		a := filepath.Join(dir, "a")
		b := filepath.Join(dir, "b")
		c := filepath.Join(dir, "c")
		if err := os.Symlink("target", a); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if err := os.Symlink("target", b); err != nil {
			t.Fatalf("symlink: %v", err)
		}
		if err := os.Symlink("other", c); err != nil {
			t.Fatalf("symlink: %v", err)
		}

		ra, _ := depot.RecordFromDisk(a, "/a")
		rb, _ := depot.RecordFromDisk(b, "/b")
		rc, _ := depot.RecordFromDisk(c, "/c")
		if ra.Digest != rb.Digest {
			t.Errorf("same-target links digest differently")
		}
		if ra.Digest == rc.Digest {
			t.Errorf("different-target links digest identically")
		}
	})
}

func TestCompare(t *testing.T) {
	reg := func() *depot.FileRecord {
		return &depot.FileRecord{
			Path:   "/f",
			Mode:   0100644,
			UID:    10,
			GID:    20,
			Size:   4,
			Digest: "abc",
		}
	}

	t.Run("identical records", func(t *testing.T) {
		if got := depot.Compare(reg(), reg()); got != depot.Identical {
			t.Errorf("Compare() = %x, want Identical", got)
		}
	})

	t.Run("a record is identical to itself", func(t *testing.T) {
		r := reg()
		if got := depot.Compare(r, r); got != depot.Identical {
			t.Errorf("Compare() = %x, want Identical", got)
		}
	})

	t.Run("nil is infinitely different", func(t *testing.T) {
		if got := depot.Compare(reg(), nil); got == depot.Identical {
			t.Errorf("Compare(rec, nil) = Identical")
		}
	})

	t.Run("field differences set the matching flags", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*depot.FileRecord)
			want   depot.DiffFlags
		}{
			{"uid", func(r *depot.FileRecord) { r.UID = 11 }, depot.UIDDiffers},
			{"gid", func(r *depot.FileRecord) { r.GID = 21 }, depot.GIDDiffers},
			{"perm", func(r *depot.FileRecord) { r.Mode = 0100600 }, depot.ModeDiffers | depot.PermDiffers},
			{"type", func(r *depot.FileRecord) { r.Mode = 0040644 }, depot.ModeDiffers | depot.TypeDiffers},
			{"data", func(r *depot.FileRecord) { r.Digest = "xyz" }, depot.DataDiffers},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := reg()
				tt.mutate(b)
				if got := depot.Compare(reg(), b); got != tt.want {
					t.Errorf("Compare() = %x, want %x", got, tt.want)
				}
			})
		}
	})

	t.Run("missing digest on one side differs", func(t *testing.T) {
		b := reg()
		b.Digest = ""
		if got := depot.Compare(reg(), b); got&depot.DataDiffers == 0 {
			t.Errorf("Compare() = %x, want DataDiffers set", got)
		}
	})

	t.Run("two directories with no digest compare equal on data", func(t *testing.T) {
		a := &depot.FileRecord{Path: "/d", Mode: 0040755}
		b := &depot.FileRecord{Path: "/d", Mode: 0040755}
		if got := depot.Compare(a, b); got != depot.Identical {
			t.Errorf("Compare() = %x, want Identical", got)
		}
	})

	t.Run("no-entry against regular file", func(t *testing.T) {
		got := depot.Compare(reg(), depot.NewNoEntry("/f"))
		if got&depot.TypeDiffers == 0 || got&depot.DataDiffers == 0 {
			t.Errorf("Compare() = %x, want TypeDiffers and DataDiffers", got)
		}
	})
}

func TestFileRecord_InstallAndRemove(t *testing.T) {
	t.Run("install copies data and applies metadata", func(t *testing.T) {
		t.Parallel()
		srcRoot := t.TempDir()
		prefix := t.TempDir()
		if err := os.WriteFile(filepath.Join(srcRoot, "f"), []byte("payload"), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}

		rec, err := depot.RecordFromDisk(filepath.Join(srcRoot, "f"), "/f")
		if err != nil {
			t.Fatalf("RecordFromDisk() error = %v", err)
		}
		rec.Mode = 0100751 // install should apply the recorded mode, not the source's

		if err := rec.Install(srcRoot, prefix); err != nil {
			t.Fatalf("Install() error = %v", err)
		}

		got, err := os.ReadFile(filepath.Join(prefix, "f"))
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "payload" {
			t.Errorf("content = %q, want %q", got, "payload")
		}
		info, _ := os.Stat(filepath.Join(prefix, "f"))
		if info.Mode().Perm() != 0751 {
			t.Errorf("mode = %o, want 0751", info.Mode().Perm())
		}
	})

	t.Run("no-entry install removes an existing file", func(t *testing.T) {
		t.Parallel()
		prefix := t.TempDir()
		if err := os.WriteFile(filepath.Join(prefix, "f"), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		if err := depot.NewNoEntry("/f").Install("", prefix); err != nil {
			t.Fatalf("Install() error = %v", err)
		}
		if _, err := os.Lstat(filepath.Join(prefix, "f")); err == nil {
			t.Errorf("file still present after no-entry install")
		}
	})

	t.Run("remove keeps non-empty directories", func(t *testing.T) {
		t.Parallel()
		prefix := t.TempDir()
		if err := os.MkdirAll(filepath.Join(prefix, "d"), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(prefix, "d", "f"), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		rec, err := depot.RecordFromDisk(filepath.Join(prefix, "d"), "/d")
		if err != nil {
			t.Fatalf("RecordFromDisk() error = %v", err)
		}
		if err := rec.Remove(prefix); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, err := os.Stat(filepath.Join(prefix, "d", "f")); err != nil {
			t.Errorf("non-empty directory was removed")
		}
	})
}
