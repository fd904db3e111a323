package upload

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const csvHeader = "koi_period,koi_duration,koi_depth,koi_prad,koi_teq,koi_insol,koi_model_snr,koi_steff,koi_srad"

func validCSVRow(period float64) string {
	return fmt.Sprintf("%g,2.96,615.8,2.26,793,93.59,35.8,5455,0.927", period)
}

func TestParseCSV(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(csvHeader + "\n")
	for i := 0; i < 3; i++ {
		sb.WriteString(validCSVRow(float64(i)+1) + "\n")
	}

	rows, rowErrs, err := Parse([]byte(sb.String()), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("unexpected row errors: %+v", rowErrs)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0].Values["koi_period"] != 1 || rows[2].Values["koi_period"] != 3 {
		t.Fatal("rows out of order or values lost")
	}
	if rows[0].Index != 1 || rows[2].Index != 3 {
		t.Fatalf("row indices = %d, %d, want 1, 3", rows[0].Index, rows[2].Index)
	}
	if rows[0].Values["koi_depth"] != 615.8 {
		t.Fatalf("koi_depth = %g, want 615.8", rows[0].Values["koi_depth"])
	}
}

func TestParseCSVWireNames(t *testing.T) {
	content := "orbital_period,transit_duration,transit_depth\n3.52,2.96,615.8\n"
	rows, _, err := Parse([]byte(content), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0].Values["koi_period"] != 3.52 {
		t.Fatal("wire field names must map to catalog columns")
	}
}

func TestParseCSVBOMAndComments(t *testing.T) {
	content := "\xef\xbb\xbf" + csvHeader + "\n# exported 2026-08-30\n" + validCSVRow(3.52) + "\n"
	rows, rowErrs, err := Parse([]byte(content), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("unexpected row errors: %+v", rowErrs)
	}
	if len(rows) != 1 || rows[0].Values["koi_period"] != 3.52 {
		t.Fatalf("BOM or comment handling broke parsing: %+v", rows)
	}
}

func TestParseCSVExtraColumnsIgnored(t *testing.T) {
	content := "kepoi_name," + csvHeader + "\nK00752.01," + validCSVRow(3.52) + "\n"
	rows, _, err := Parse([]byte(content), "catalog.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rows[0].Values["kepoi_name"]; ok {
		t.Fatal("unknown columns must be dropped")
	}
	if rows[0].Values["koi_period"] != 3.52 {
		t.Fatal("known columns lost next to unknown ones")
	}
}

func TestParseCSVPartialFailures(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(csvHeader + "\n")
	for i := 0; i < 8; i++ {
		sb.WriteString(validCSVRow(float64(i)+1) + "\n")
	}
	sb.WriteString("oops,2.96,615.8,2.26,793,93.59,35.8,5455,0.927\n")
	sb.WriteString("NaN,2.96,615.8,2.26,793,93.59,35.8,5455,0.927\n")

	rows, rowErrs, err := Parse([]byte(sb.String()), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 8 {
		t.Fatalf("got %d good rows, want 8", len(rows))
	}
	if len(rowErrs) != 2 {
		t.Fatalf("got %d row errors, want 2: %+v", len(rowErrs), rowErrs)
	}
	if rowErrs[0].Row != 9 || rowErrs[1].Row != 10 {
		t.Fatalf("row errors carry wrong row numbers: %+v", rowErrs)
	}
}

func TestParseCSVIndicesSurviveBadRows(t *testing.T) {
	content := csvHeader + "\n" +
		"bad,2.96,615.8,2.26,793,93.59,35.8,5455,0.927\n" +
		validCSVRow(3.52) + "\n" +
		validCSVRow(10.5) + "\n"
	rows, rowErrs, err := Parse([]byte(content), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rowErrs) != 1 || rowErrs[0].Row != 1 {
		t.Fatalf("row errors = %+v, want the first data row", rowErrs)
	}
	// 解析失败的行不能让后续行号错位
	if len(rows) != 2 || rows[0].Index != 2 || rows[1].Index != 3 {
		t.Fatalf("surviving rows carry indices %d, %d, want 2, 3", rows[0].Index, rows[1].Index)
	}
}

func TestParseCSVEmptyCellsSkipped(t *testing.T) {
	content := "koi_period,koi_impact,koi_depth\n3.52,,615.8\n"
	rows, _, err := Parse([]byte(content), "batch.csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rows[0].Values["koi_impact"]; ok {
		t.Fatal("empty cell must be treated as absent, not zero")
	}
}

func TestParseCSVAllRowsBad(t *testing.T) {
	content := csvHeader + "\nbad,bad,bad,bad,bad,bad,bad,bad,bad\n"
	_, rowErrs, err := Parse([]byte(content), "batch.csv")
	if !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("error = %v, want ErrEmptyUpload", err)
	}
	if len(rowErrs) != 1 {
		t.Fatalf("row errors = %+v, want the one bad row reported", rowErrs)
	}
}

func TestParseCSVNoKnownColumns(t *testing.T) {
	content := "name,ra,dec\nK00752.01,291.9,48.1\n"
	if _, _, err := Parse([]byte(content), "batch.csv"); err == nil {
		t.Fatal("expected error for a header with no feature columns")
	}
}

func TestParseJSON(t *testing.T) {
	content := `[
        {"orbital_period": 3.52, "transit_depth": 615.8, "kepoi_name": "K00752.01"},
        {"koi_period": 10.5, "koi_depth": 874.3}
    ]`
	rows, rowErrs, err := Parse([]byte(content), "batch.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rowErrs) != 0 {
		t.Fatalf("unexpected row errors: %+v", rowErrs)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Values["koi_period"] != 3.52 || rows[1].Values["koi_period"] != 10.5 {
		t.Fatal("json rows mapped wrong")
	}
	if rows[0].Index != 1 || rows[1].Index != 2 {
		t.Fatalf("row indices = %d, %d, want 1, 2", rows[0].Index, rows[1].Index)
	}
}

func TestParseJSONBadValue(t *testing.T) {
	content := `[{"orbital_period": "fast"}, {"orbital_period": 3.52}]`
	rows, rowErrs, err := Parse([]byte(content), "batch.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || len(rowErrs) != 1 {
		t.Fatalf("rows = %d, errors = %d, want 1 and 1", len(rows), len(rowErrs))
	}
	if rowErrs[0].Row != 1 {
		t.Fatalf("row error points at row %d, want 1", rowErrs[0].Row)
	}
	if rows[0].Index != 2 {
		t.Fatalf("surviving row carries index %d, want 2", rows[0].Index)
	}
}

func TestParseJSONBadRoot(t *testing.T) {
	if _, _, err := Parse([]byte(`{"orbital_period": 3.52}`), "batch.json"); err == nil {
		t.Fatal("expected error for a non-array json root")
	}
}

func TestParseUnsupportedFormat(t *testing.T) {
	for _, name := range []string{"cumulative.fits", "batch.xlsx", "noext"} {
		if _, _, err := Parse([]byte("data"), name); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s: error = %v, want ErrUnsupportedFormat", name, err)
		}
	}
}
