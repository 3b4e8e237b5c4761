// Package migrations embeds the PostgreSQL schema of the import pipeline and
// exposes it as a golang-migrate source.
package migrations

import (
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var FS embed.FS

// Migration filename format: 001_migration_name.up.sql or 001_migration_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Validation errors.
var (
	ErrNoMigrations     = errors.New("no migration files found")
	ErrInvalidFilename  = errors.New("invalid migration filename")
	ErrUnpairedFile     = errors.New("unpaired migration file")
	ErrSequenceGap      = errors.New("gap in migration sequence")
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
)

// Info describes one migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
	Checksum  string
}

// Source returns a golang-migrate source driver over fsys, or over the
// embedded migrations when fsys is nil.
func Source(fsys fs.FS) (source.Driver, error) {
	if fsys == nil {
		fsys = FS
	}

	driver, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open migration source: %w", err)
	}

	return driver, nil
}

// List returns the well-formed migration files of fsys in apply order.
// Files not matching the naming standard are ignored.
func List(fsys fs.FS) ([]Info, error) {
	if fsys == nil {
		fsys = FS
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var infos []Info

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := parseFilename(entry.Name())
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		info.Checksum = fmt.Sprintf("%x", sha256.Sum256(content))
		infos = append(infos, info)
	}

	// 001_name.down.sql sorts before 001_name.up.sql, and both before 002_*.
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Filename < infos[j].Filename
	})

	return infos, nil
}

// Validate checks that fsys holds paired up/down migrations numbered 001 onwards without gaps.
// When expected checksums are given, every listed file must match its checksum.
func Validate(fsys fs.FS, expected map[string]string) error {
	infos, err := List(fsys)
	if err != nil {
		return err
	}

	if len(infos) == 0 {
		return ErrNoMigrations
	}

	pairs := make(map[int]map[string]bool)

	for _, info := range infos {
		if pairs[info.Sequence] == nil {
			pairs[info.Sequence] = make(map[string]bool)
		}

		pairs[info.Sequence][info.Direction] = true

		if want, ok := expected[info.Filename]; ok && want != info.Checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, info.Filename)
		}
	}

	sequences := make([]int, 0, len(pairs))

	for seq, directions := range pairs {
		if !directions["up"] {
			return fmt.Errorf("%w: %03d is missing its up migration", ErrUnpairedFile, seq)
		}

		if !directions["down"] {
			return fmt.Errorf("%w: %03d is missing its down migration", ErrUnpairedFile, seq)
		}

		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("%w: expected %03d, found %03d", ErrSequenceGap, i+1, seq)
		}
	}

	return nil
}

func parseFilename(filename string) (Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return Info{}, fmt.Errorf("%w: %s (expected 001_name.up.sql or 001_name.down.sql)",
			ErrInvalidFilename, filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s: %w", ErrInvalidFilename, filename, err)
	}

	return Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}
