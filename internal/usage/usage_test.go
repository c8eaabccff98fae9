package usage

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEstimate_HelloWorldScenario(t *testing.T) {
	rates := DefaultRates()
	response := "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen"

	got := rates.Estimate("hello world", response, "gpt-3.5")
	if got.PromptTokens != 2 || got.ResponseTokens != 17 || got.TotalTokens != 19 {
		t.Fatalf("unexpected token counts: %+v", got)
	}
	if math.Abs(got.Cost-0.095) > 1e-9 {
		t.Fatalf("expected cost 0.095, got %v", got.Cost)
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	rates := DefaultRates()
	inputs := []struct{ prompt, response, model string }{
		{"", "", "gpt-4"},
		{"  spaced \t out\nprompt ", "a b c", "claude-3"},
		{"x", "y", "no-such-model"},
	}
	for _, in := range inputs {
		a := rates.Estimate(in.prompt, in.response, in.model)
		b := rates.Estimate(in.prompt, in.response, in.model)
		if a != b {
			t.Fatalf("estimate not deterministic for %+v: %+v vs %+v", in, a, b)
		}
		if a.TotalTokens != a.PromptTokens+a.ResponseTokens {
			t.Fatalf("total != prompt + response: %+v", a)
		}
		if a.Cost != float64(a.TotalTokens)*rates.Rate(in.model) {
			t.Fatalf("cost mismatch: %+v", a)
		}
		if a.Cost < 0 {
			t.Fatalf("negative cost: %+v", a)
		}
	}
}

func TestEstimate_UnknownModelIsFree(t *testing.T) {
	got := DefaultRates().Estimate("a b c", "d e", "mystery-9000")
	if got.TotalTokens != 5 || got.Cost != 0 {
		t.Fatalf("unknown model should be counted but free: %+v", got)
	}
}

func TestRate_NormalizesModel(t *testing.T) {
	if DefaultRates().Rate("  GPT-3.5 ") != 0.005 {
		t.Fatalf("expected model lookup to ignore case and spaces")
	}
}

func TestCountTokens(t *testing.T) {
	tests := map[string]int{
		"":                    0,
		"   ":                 0,
		"hello":               1,
		"hello world":         2,
		" leading and  gaps ": 3,
		"tabs\tand\nnewlines": 3,
	}
	for in, want := range tests {
		if got := CountTokens(in); got != want {
			t.Errorf("CountTokens(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLoadRates(t *testing.T) {
	rates, err := LoadRates("")
	if err != nil || rates.Rate("gpt-4") != 0.03 {
		t.Fatalf("empty path should give defaults: %v %v", rates, err)
	}

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte("rates:\n  My-Model: 0.25\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rates, err = LoadRates(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rates.Rate("my-model") != 0.25 || rates.Rate("gpt-4") != 0 {
		t.Fatalf("unexpected rates: %v", rates)
	}

	if _, err := ParseRates([]byte("rates:\n  bad: -1\n")); err == nil {
		t.Fatalf("expected negative rate to be rejected")
	}
	if _, err := ParseRates([]byte("other: 1\n")); err == nil {
		t.Fatalf("expected empty table to be rejected")
	}
	if _, err := LoadRates(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestWriteCSV(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteCSV(&buf, []Record{{
		ID: 1, UserID: 9, Model: "gpt-3.5", UserQuery: "hello, world",
		PromptTokens: 2, ResponseTokens: 17, TotalTokens: 19, Cost: 0.095, Timestamp: ts,
	}})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	want := []string{"1", "9", "gpt-3.5", "hello, world", "2", "17", "19", "0.095", "2025-03-01T12:00:00Z"}
	for i := range want {
		if rows[1][i] != want[i] {
			t.Fatalf("column %d: got %q want %q", i, rows[1][i], want[i])
		}
	}

	if got := ExportFilename(ts); got != "token_usage_20250301_120000.csv" {
		t.Fatalf("unexpected filename %q", got)
	}
}
