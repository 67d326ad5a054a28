package store

import (
	"os"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(testMigrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestInitMigrationCascadesProjectChildren(t *testing.T) {
	sqlBytes, err := os.ReadFile(testMigrationsDir + "/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)
	for _, table := range []string{"characters", "episodes", "scenes", "todos", "project_members"} {
		block := sqlText[strings.Index(sqlText, "CREATE TABLE IF NOT EXISTS "+table):]
		block = block[:strings.Index(block, ");")]
		if !strings.Contains(block, "REFERENCES projects(id) ON DELETE CASCADE") {
			t.Fatalf("expected %s to cascade on project delete", table)
		}
	}
}
