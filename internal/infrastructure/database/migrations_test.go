package database

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"
)

//go:embed testdata/sqlite/*.sql
var testMigrationsFS embed.FS

// useMigrations points the package at fsys/dir for the rest of the test.
func useMigrations(t *testing.T, fsys fs.FS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
	MigrationsFS, MigrationsDir = fsys, dir
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "test_users") {
		t.Fatal("table test_users not created")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 0 {
		t.Fatalf("applied=%d pending=%d, want 1 and 0", len(applied), len(pending))
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("applied_at not recorded")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_users") {
		t.Error("table test_users should have been dropped")
	}

	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied = %d after rollback, want 0", len(applied))
	}

	// Nothing left to revert.
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrateAppliesInVersionOrder(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"m/sqlite/20260201_090000_add_tags.up.sql": {
			Data: []byte("CREATE TABLE tags (item_id INTEGER NOT NULL REFERENCES items(id));"),
		},
		"m/sqlite/20260101_090000_items.up.sql": {
			Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);"),
		},
		"m/sqlite/notes.txt": {Data: []byte("ignored")},
	}, "m")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || applied[0].Version != "20260101_090000" || applied[1].Version != "20260201_090000" {
		t.Errorf("applied = %+v", applied)
	}
}

func TestMigrateStopsAtFailedMigration(t *testing.T) {
	fsys := fstest.MapFS{
		"m/sqlite/20260101_090000_items.up.sql": {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"m/sqlite/20260102_090000_broken.up.sql": {Data: []byte("CREATE TABLE;")},
	}
	useMigrations(t, fsys, "m")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() error = nil, want failure")
	}
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 || pending[0].Name != "broken" {
		t.Fatalf("applied=%d pending=%+v", len(applied), pending)
	}

	fsys["m/sqlite/20260102_090000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE fixed (id INTEGER);")}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() after fix error = %v", err)
	}
	if !tableExists(t, db, "fixed") {
		t.Error("resumed migration not applied")
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	tests := []struct {
		name string
		fsys fs.FS
	}{
		{"nil filesystem", nil},
		{"empty embed", embed.FS{}},
		{"missing dialect dir", fstest.MapFS{"other/sqlite.txt": {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys, ".")
			db := openTestDB(t)
			defer db.Close() //nolint:errcheck // Test cleanup

			if err := db.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
		})
	}
}

func TestLoadMigrationsConflicts(t *testing.T) {
	tests := []struct {
		name  string
		files fstest.MapFS
	}{
		{
			name: "two up scripts share a version",
			files: fstest.MapFS{
				"m/sqlite/20260101_090000_a.up.sql": {Data: []byte("SELECT 1;")},
				"m/sqlite/20260101_090000_b.up.sql": {Data: []byte("SELECT 2;")},
			},
		},
		{
			name: "down script without up",
			files: fstest.MapFS{
				"m/sqlite/20260101_090000_a.up.sql":   {Data: []byte("SELECT 1;")},
				"m/sqlite/20260102_090000_b.down.sql": {Data: []byte("SELECT 2;")},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.files, "m")
			if _, err := loadMigrations("m/sqlite"); !errors.Is(err, ErrMigrationConflict) {
				t.Errorf("loadMigrations() error = %v, want ErrMigrationConflict", err)
			}
		})
	}
}

func TestLoadMigrationsPairsDownScripts(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"m/sqlite/20260101_090000_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"m/sqlite/20260101_090000_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER);")},
	}, "m")

	got, err := loadMigrations("m/sqlite")
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	want := Migration{
		Version: "20260101_090000",
		Name:    "items",
		UpSQL:   "CREATE TABLE items (id INTEGER);",
		DownSQL: "DROP TABLE items;",
	}
	if len(got) != 1 || got[0] != want {
		t.Errorf("loadMigrations() = %+v, want [%+v]", got, want)
	}
}

func TestMigrateDownMissing(t *testing.T) {
	tests := []struct {
		name  string
		after fstest.MapFS
	}{
		{"files removed", fstest.MapFS{}},
		{"no down script", fstest.MapFS{
			"m/sqlite/20260101_090000_items.up.sql": {Data: []byte("CREATE TABLE items (id INTEGER);")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, fstest.MapFS{
				"m/sqlite/20260101_090000_items.up.sql": {Data: []byte("CREATE TABLE items (id INTEGER);")},
			}, "m")
			db := openTestDB(t)
			defer db.Close() //nolint:errcheck // Test cleanup
			ctx := context.Background()

			if err := db.Migrate(ctx); err != nil {
				t.Fatalf("Migrate() error = %v", err)
			}
			MigrationsFS = tt.after
			if err := db.MigrateDown(ctx); !errors.Is(err, ErrMigrationMissing) {
				t.Fatalf("MigrateDown() error = %v, want ErrMigrationMissing", err)
			}
			if !tableExists(t, db, "items") {
				t.Error("table dropped despite missing down script")
			}
		})
	}
}

func TestMigrationsDirFollowsDialect(t *testing.T) {
	useMigrations(t, nil, ".")
	sqliteDB := &DB{dialect: DialectSQLite}
	if got := sqliteDB.migrationsDir(); got != "sqlite" {
		t.Errorf("migrationsDir() = %q, want sqlite", got)
	}

	MigrationsDir = "testdata"
	pgDB := &DB{dialect: DialectPostgres}
	if got := pgDB.migrationsDir(); got != "testdata/postgres" {
		t.Errorf("migrationsDir() = %q, want testdata/postgres", got)
	}
}

func TestGetMigrationStatus(t *testing.T) {
	useMigrations(t, testMigrationsFS, "testdata")
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup
	ctx := context.Background()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 0 and 1", len(applied), len(pending))
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{"20260118_120000_create_users.up.sql", "20260118_120000", true, true},
		{"20260118_120000_create_users.down.sql", "20260118_120000", false, true},
		{"20260118_120000.up.sql", "20260118_120000", true, true},
		{"readme.txt", "", false, false},
		{"20260118_120000_create_users.sql", "", false, false},
		{"invalid.up.sql", "", false, false},
		{"_120000_x.up.sql", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk || version != tt.wantVersion || isUp != tt.wantIsUp {
				t.Errorf("parseMigrationFilename() = (%q, %v, %v), want (%q, %v, %v)",
					version, isUp, ok, tt.wantVersion, tt.wantIsUp, tt.wantOk)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260118_120000_create_users.up.sql", "create_users"},
		{"20260118_120000_initial_schema.down.sql", "initial_schema"},
		{"20260118_120000_add_email_to_users.up.sql", "add_email_to_users"},
	}
	for _, tt := range tests {
		if got := extractMigrationName(tt.filename); got != tt.want {
			t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
