package database

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/database/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestConnect_InMemory(t *testing.T) {
	cfg := Config{
		URL:         ":memory:",
		MaxIdleConn: 1,
		MaxOpenConn: 1,
	}

	db, err := Connect(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if db == nil {
		t.Fatal("Expected non-nil db")
	}

	var result int
	if err := db.Raw("SELECT 1").Scan(&result).Error; err != nil {
		t.Errorf("Failed to query database: %v", err)
	}
	if result != 1 {
		t.Errorf("Expected 1, got %d", result)
	}

	if err := Close(db); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestConnect_MigratesSettings(t *testing.T) {
	db, err := Connect(Config{URL: ":memory:", MaxIdleConn: 1, MaxOpenConn: 1}, quietLogger())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = Close(db) }()

	if !db.Migrator().HasTable(&models.Setting{}) {
		t.Error("Expected settings table to exist")
	}
	if err := db.Create(&models.Setting{ID: "s1", Key: "dmxsend.txt", Value: "slots=24\n"}).Error; err != nil {
		t.Errorf("Insert failed: %v", err)
	}
}

func TestConnect_WithFilePrefix(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	cfg := Config{
		URL:         "file:" + dbPath,
		MaxIdleConn: 1,
		MaxOpenConn: 1,
	}

	db, err := Connect(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = Close(db) }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Expected database file to be created")
	}
}

func TestConnect_CreatesDirectory(t *testing.T) {
	nestedPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	cfg := Config{
		URL:         nestedPath,
		MaxIdleConn: 1,
		MaxOpenConn: 1,
	}

	db, err := Connect(cfg, quietLogger())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = Close(db) }()

	if _, err := os.Stat(filepath.Dir(nestedPath)); os.IsNotExist(err) {
		t.Error("Expected nested directory to be created")
	}
}

func TestConnect_DebugMode(t *testing.T) {
	db, err := Connect(Config{URL: ":memory:", MaxIdleConn: 1, MaxOpenConn: 1, Debug: true}, quietLogger())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = Close(db)
}

func TestConnect_NilLogger(t *testing.T) {
	db, err := Connect(Config{URL: ":memory:", MaxOpenConn: 1}, nil)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = Close(db)
}

func TestClose_NilDB(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Errorf("Close with nil DB should not error: %v", err)
	}
}
