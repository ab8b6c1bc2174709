package migrations

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestEmbeddedSourceIsOrderedAndComplete(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer src.Close()

	var (
		versions []uint
		schema   strings.Builder
	)
	version, err := src.First()
	for err == nil {
		versions = append(versions, version)

		r, ident, rerr := src.ReadUp(version)
		if rerr != nil {
			t.Fatalf("read up %d: %v", version, rerr)
		}
		body, _ := io.ReadAll(r)
		r.Close()
		if len(body) == 0 {
			t.Fatalf("migration %d (%s) is empty", version, ident)
		}
		schema.Write(body)

		down, _, derr := src.ReadDown(version)
		if derr != nil {
			t.Fatalf("migration %d has no down file: %v", version, derr)
		}
		down.Close()
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("iterate migrations: %v", err)
	}

	if len(versions) != 3 || versions[0] != 1 || versions[2] != 3 {
		t.Fatalf("unexpected versions %v", versions)
	}
	for _, table := range []string{"campaigns", "donation_transactions", "transaction_timeline"} {
		if !strings.Contains(schema.String(), "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("schema is missing table %s", table)
		}
	}
}

func TestApplyReportsDriverFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT CURRENT_DATABASE()").WillReturnError(errors.New("connection reset"))

	err = Apply(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "init migration driver") {
		t.Fatalf("expected driver init error, got %v", err)
	}
}
