package migrations

import (
	"errors"
	"testing"
	"testing/fstest"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := Validate(nil, nil); err != nil {
		t.Fatalf("embedded migrations failed validation: %v", err)
	}

	infos, err := List(nil)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(infos) != 8 {
		t.Errorf("List() returned %d files, want 8", len(infos))
	}

	if infos[0].Filename != "001_health_records.down.sql" || infos[1].Filename != "001_health_records.up.sql" {
		t.Errorf("unexpected ordering: %s, %s", infos[0].Filename, infos[1].Filename)
	}
}

func TestEmbeddedSource(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	driver, err := Source(nil)
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}

	defer driver.Close()

	first, err := driver.First()
	if err != nil {
		t.Fatalf("First() error = %v", err)
	}

	if first != 1 {
		t.Errorf("First() = %d, want 1", first)
	}
}

func TestValidate_Failures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	file := func(body string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte(body)}
	}

	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr error
	}{
		{
			name:    "empty",
			fsys:    fstest.MapFS{"README.md": file("docs")},
			wantErr: ErrNoMigrations,
		},
		{
			name:    "missing down",
			fsys:    fstest.MapFS{"001_init.up.sql": file("SELECT 1;")},
			wantErr: ErrUnpairedFile,
		},
		{
			name: "gap",
			fsys: fstest.MapFS{
				"001_init.up.sql":   file("SELECT 1;"),
				"001_init.down.sql": file("SELECT 1;"),
				"003_more.up.sql":   file("SELECT 1;"),
				"003_more.down.sql": file("SELECT 1;"),
			},
			wantErr: ErrSequenceGap,
		},
		{
			name: "does not start at one",
			fsys: fstest.MapFS{
				"002_init.up.sql":   file("SELECT 1;"),
				"002_init.down.sql": file("SELECT 1;"),
			},
			wantErr: ErrSequenceGap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.fsys, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Checksums(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	fsys := fstest.MapFS{
		"001_init.up.sql":   &fstest.MapFile{Data: []byte("CREATE TABLE t (id INT);")},
		"001_init.down.sql": &fstest.MapFile{Data: []byte("DROP TABLE t;")},
	}

	infos, err := List(fsys)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	expected := make(map[string]string, len(infos))
	for _, info := range infos {
		expected[info.Filename] = info.Checksum
	}

	if err := Validate(fsys, expected); err != nil {
		t.Fatalf("Validate() with matching checksums error = %v", err)
	}

	fsys["001_init.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t (id BIGINT);")}

	if err := Validate(fsys, expected); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Validate() error = %v, want %v", err, ErrChecksumMismatch)
	}
}
