// Package main provides the database migration CLI for the health import service.
//
// Migrations are compiled into the binary; MIGRATIONS_PATH points the tool at
// a directory instead, for iterating on new migrations.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pulseboard-io/healthimport/migrations"
)

// Version information
const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Skip the confirmation prompt of drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	command := flag.Arg(0)

	// validate needs no database.
	if command == "validate" {
		if err := validateMigrations(os.Stdout); err != nil {
			log.Fatalf("Validation failed: %v", err)
		}

		return
	}

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	err = executeCommand(command, runner, confirmer(*assumeYes, os.Stdin, os.Stdout))

	if closeErr := runner.Close(); closeErr != nil {
		log.Printf("Warning: %v", closeErr)
	}

	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// executeCommand runs the specified migration command
func executeCommand(command string, runner MigrationRunner, confirm func(prompt string) bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm("WARNING: This will drop all tables. Are you sure? (y/N): ") {
			fmt.Println("Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// confirmer returns a prompt that reads a y/N answer from in.
func confirmer(assumeYes bool, in io.Reader, out io.Writer) func(string) bool {
	return func(prompt string) bool {
		if assumeYes {
			return true
		}

		fmt.Fprint(out, prompt)

		answer, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.TrimSpace(answer)

		return answer == "y" || answer == "Y"
	}
}

// validateMigrations checks the embedded (or MIGRATIONS_PATH) files and lists them.
func validateMigrations(out io.Writer) error {
	fsys := migrationFS(&Config{MigrationsPath: os.Getenv("MIGRATIONS_PATH")})

	if err := migrations.Validate(fsys, nil); err != nil {
		return err
	}

	infos, err := migrations.List(fsys)
	if err != nil {
		return err
	}

	for _, info := range infos {
		fmt.Fprintf(out, "%s  %s\n", info.Checksum, info.Filename)
	}

	fmt.Fprintf(out, "%d migration files OK\n", len(infos))

	return nil
}

// printUsage displays usage information
func printUsage() {
	fmt.Printf(`%s v%s - Database Migration Tool for the health import service

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up        Apply all pending migrations
    down      Rollback the last migration
    status    Show migration status and pending migrations
    version   Show current migration version
    validate  Check migration files without connecting to the database
    drop      Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --yes      Do not prompt before drop

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATIONS_PATH Directory of migration files
                    (default: migrations embedded in the binary)

    MIGRATION_TABLE Name of migration tracking table
                    (default: schema_migrations)

EXAMPLES:
    %s up
    %s status
    %s --yes drop
`, name, version, name, name, name, name)
}
