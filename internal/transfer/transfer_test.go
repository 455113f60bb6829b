package transfer

import (
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
	"github.com/jackzampolin/broadsheet/internal/testutil"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestExportJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := testutil.NewStore(t)
	pageID := testutil.SeedPage(t, src, testutil.PageFixture{
		IssueDate: "1897-07-17",
		Text:      "The steamer Portland arrived this morning.",
	})
	testutil.SeedSegment(t, src, pageID, "The steamer Portland arrived this morning.")

	out := filepath.Join(t.TempDir(), "export.json")
	n, err := New(src, testutil.Logger()).Export(ctx, "json", out)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 1 {
		t.Fatalf("exported = %d, want 1", n)
	}

	dst := testutil.NewStore(t)
	n, err = New(dst, testutil.Logger()).Import(ctx, out, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Fatalf("imported = %d, want 1", n)
	}

	page, err := dst.GetPageByKey(ctx, "chroniclingamerica", "sn83045604", "1897-07-17", 1)
	if err != nil {
		t.Fatalf("looking up imported page: %v", err)
	}
	text, err := dst.PageText(ctx, page.ID)
	if err != nil {
		t.Fatalf("PageText: %v", err)
	}
	if text != "The steamer Portland arrived this morning." {
		t.Errorf("imported text = %q", text)
	}
	segs, err := dst.ListSegments(ctx, page.ID)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 1 {
		t.Errorf("imported segments = %d, want 1", len(segs))
	}
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	testutil.SeedPage(t, store, testutil.PageFixture{
		IssueDate: "1897-07-17",
		Text:      "Gold arrives.",
	})

	out := filepath.Join(t.TempDir(), "export.csv")
	if _, err := New(store, testutil.Logger()).Export(ctx, "csv", out); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("opening export: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parsing export: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(records))
	}
	if records[0][1] != "lccn" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][1] != "sn83045604" || records[1][3] != "1897-07-17" {
		t.Errorf("row = %v", records[1])
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	store := testutil.NewStore(t)
	_, err := New(store, testutil.Logger()).Export(context.Background(), "xml", "out.xml")
	if !errkind.Is(err, errkind.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestImportCSVWithMapping(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	image := writeFile(t, filepath.Join(dir, "page.jp2"), "image bytes")

	source := writeFile(t, filepath.Join(dir, "pages.csv"),
		"control_number,date,page_no,img,ocr\n"+
			"sn83045604,1897-07-17,1,"+image+",The steamer arrived.\n"+
			"sn83045604,1897-07-18,1,"+image+",More gold news.\n")

	mapping := writeFile(t, filepath.Join(dir, "mapping.json"), `{
		"columns": {
			"lccn": "control_number",
			"issue_date": "date",
			"sequence": "page_no",
			"image_path": "img",
			"text": "ocr"
		},
		"defaults": {"source_system": "scanbatch"}
	}`)

	store := testutil.NewStore(t)
	n, err := New(store, testutil.Logger()).Import(ctx, source, mapping)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported = %d, want 2", n)
	}

	page, err := store.GetPageByKey(ctx, "scanbatch", "sn83045604", "1897-07-17", 1)
	if err != nil {
		t.Fatalf("looking up imported page: %v", err)
	}
	if page.Status != repo.PageStatusOCRDone {
		t.Errorf("status = %s, want ocr_done after text attach", page.Status)
	}
}

func TestImportSkipsBadRows(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	image := writeFile(t, filepath.Join(dir, "page.jp2"), "image bytes")

	// Second row has no image, third duplicates the first.
	source := writeFile(t, filepath.Join(dir, "pages.csv"),
		"lccn,issue_date,sequence,image_path\n"+
			"sn83045604,1897-07-17,1,"+image+"\n"+
			"sn83045604,1897-07-18,1,\n"+
			"sn83045604,1897-07-17,1,"+image+"\n")

	store := testutil.NewStore(t)
	n, err := New(store, testutil.Logger()).Import(ctx, source, "")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 1 {
		t.Errorf("imported = %d, want 1", n)
	}
}

func TestImportSQLite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	image := writeFile(t, filepath.Join(dir, "page.jp2"), "image bytes")

	dbPath := filepath.Join(dir, "legacy.sqlite")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("creating source db: %v", err)
	}
	_, err = db.Exec(`
		CREATE TABLE scans (control TEXT, pub_date TEXT, seq INTEGER, file TEXT, body TEXT);
		INSERT INTO scans VALUES ('sn83045604', '1897-07-17', 1, '` + image + `', 'Klondike news.');
		INSERT INTO scans VALUES ('sn83045604', '1897-07-18', 1, '` + image + `', 'More news.');`)
	if err != nil {
		t.Fatalf("seeding source db: %v", err)
	}
	db.Close()

	mapping := writeFile(t, filepath.Join(dir, "mapping.json"), `{
		"table": "scans",
		"columns": {
			"lccn": "control",
			"issue_date": "pub_date",
			"sequence": "seq",
			"image_path": "file",
			"text": "body"
		}
	}`)

	store := testutil.NewStore(t)
	n, err := New(store, testutil.Logger()).Import(ctx, dbPath, mapping)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported = %d, want 2", n)
	}

	page, err := store.GetPageByKey(ctx, "import", "sn83045604", "1897-07-18", 1)
	if err != nil {
		t.Fatalf("looking up imported page: %v", err)
	}
	text, err := store.PageText(ctx, page.ID)
	if err != nil {
		t.Fatalf("PageText: %v", err)
	}
	if text != "More news." {
		t.Errorf("text = %q", text)
	}
}

func TestImportRejectsUnknownExtension(t *testing.T) {
	store := testutil.NewStore(t)
	_, err := New(store, testutil.Logger()).Import(context.Background(), "pages.xml", "")
	if !errkind.Is(err, errkind.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestLoadMapping(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path is identity", func(t *testing.T) {
		m, err := LoadMapping("")
		if err != nil {
			t.Fatalf("LoadMapping: %v", err)
		}
		if m.column("lccn") != "lccn" {
			t.Errorf("identity mapping resolves %q", m.column("lccn"))
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "bad.json"),
			`{"columns": {"publisher": "pub"}}`)
		if _, err := LoadMapping(path); !errkind.Is(err, errkind.Validation) {
			t.Errorf("err = %v, want Validation", err)
		}
	})

	t.Run("unknown top-level key rejected", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "extra.json"),
			`{"columns": {}, "sheets": ["a"]}`)
		if _, err := LoadMapping(path); !errkind.Is(err, errkind.Validation) {
			t.Errorf("err = %v, want Validation", err)
		}
	})

	t.Run("valid mapping resolves columns", func(t *testing.T) {
		path := writeFile(t, filepath.Join(dir, "good.json"),
			`{"columns": {"lccn": "control_number"}, "table": "scans"}`)
		m, err := LoadMapping(path)
		if err != nil {
			t.Fatalf("LoadMapping: %v", err)
		}
		if m.column("lccn") != "control_number" {
			t.Errorf("lccn resolves to %q", m.column("lccn"))
		}
		if m.column("text") != "text" {
			t.Errorf("unmapped field resolves to %q", m.column("text"))
		}
		if m.Table != "scans" {
			t.Errorf("table = %q", m.Table)
		}
	})
}
