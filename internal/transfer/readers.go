package transfer

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// readCSVRows streams rows from a CSV file with a header line. Column
// resolution is lazy so open errors surface from the first call.
func readCSVRows(path string, mapping *Mapping) rowSource {
	var reader *csv.Reader
	var file *os.File
	var index map[string]int // canonical field -> record index
	var initErr error
	initialized := false

	initialize := func() {
		initialized = true
		file, initErr = os.Open(path)
		if initErr != nil {
			initErr = errkind.New(errkind.Validation, "cannot open %s: %v", path, initErr)
			return
		}
		reader = csv.NewReader(file)
		header, err := reader.Read()
		if err != nil {
			initErr = errkind.New(errkind.CorruptData, "reading CSV header: %v", err)
			return
		}
		byName := make(map[string]int, len(header))
		for i, name := range header {
			byName[strings.TrimSpace(name)] = i
		}
		index = make(map[string]int)
		for _, field := range canonicalFields {
			if i, ok := byName[mapping.column(field)]; ok {
				index[field] = i
			}
		}
	}

	return func() (row, bool, error) {
		if !initialized {
			initialize()
		}
		if initErr != nil {
			return nil, false, initErr
		}

		record, err := reader.Read()
		if err == io.EOF {
			file.Close()
			return nil, true, nil
		}
		if err != nil {
			file.Close()
			return nil, false, errkind.New(errkind.CorruptData, "reading CSV row: %v", err)
		}

		r := make(row, len(index))
		for field, i := range index {
			if i < len(record) {
				r[field] = strings.TrimSpace(record[i])
			}
		}
		return r, false, nil
	}
}

// readSQLiteRows streams rows from a table in an external SQLite database,
// opened read-only.
func readSQLiteRows(ctx context.Context, path string, mapping *Mapping) rowSource {
	var rows *sql.Rows
	var db *sql.DB
	var fields []string
	var initErr error
	initialized := false

	initialize := func() {
		initialized = true
		if _, err := os.Stat(path); err != nil {
			initErr = errkind.New(errkind.Validation, "cannot open %s: %v", path, err)
			return
		}
		db, initErr = sql.Open("sqlite3", "file:"+path+"?mode=ro")
		if initErr != nil {
			initErr = errkind.Wrap(errkind.Internal, initErr)
			return
		}

		table := mapping.Table
		if table == "" {
			table = "pages"
		}

		present, err := tableColumns(ctx, db, table)
		if err != nil {
			db.Close()
			initErr = err
			return
		}

		// Only select columns the source table actually has.
		var cols []string
		for _, field := range canonicalFields {
			col := mapping.column(field)
			if !present[col] {
				continue
			}
			fields = append(fields, field)
			cols = append(cols, fmt.Sprintf("%q", col))
		}
		if len(cols) == 0 {
			db.Close()
			initErr = errkind.New(errkind.Validation,
				"table %s has none of the mapped columns", table)
			return
		}
		query := fmt.Sprintf("SELECT %s FROM %q", strings.Join(cols, ", "), table)
		rows, initErr = db.QueryContext(ctx, query)
		if initErr != nil {
			db.Close()
			initErr = errkind.New(errkind.Validation, "querying %s: %v", table, initErr)
		}
	}

	cleanup := func() {
		if rows != nil {
			rows.Close()
		}
		if db != nil {
			db.Close()
		}
	}

	return func() (row, bool, error) {
		if !initialized {
			initialize()
		}
		if initErr != nil {
			return nil, false, initErr
		}

		if !rows.Next() {
			err := rows.Err()
			cleanup()
			if err != nil {
				return nil, false, errkind.Wrap(errkind.Internal, err)
			}
			return nil, true, nil
		}

		values := make([]sql.NullString, len(fields))
		dest := make([]any, len(fields))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			cleanup()
			return nil, false, errkind.Wrap(errkind.Internal, err)
		}

		r := make(row, len(fields))
		for i, field := range fields {
			r[field] = strings.TrimSpace(values[i].String)
		}
		return r, false, nil
	}
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, errkind.New(errkind.Validation, "inspecting table %s: %v", table, err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		present[name] = true
	}
	if len(present) == 0 {
		return nil, errkind.New(errkind.Validation, "no such table %q", table)
	}
	return present, rows.Err()
}
