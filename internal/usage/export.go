package usage

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"ID", "User ID", "Model", "User Query", "Prompt Tokens", "Response Tokens", "Total Tokens", "Cost", "Timestamp",
}

func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.ID, 10),
			strconv.FormatUint(r.UserID, 10),
			r.Model,
			r.UserQuery,
			strconv.Itoa(r.PromptTokens),
			strconv.Itoa(r.ResponseTokens),
			strconv.Itoa(r.TotalTokens),
			strconv.FormatFloat(r.Cost, 'f', -1, 64),
			r.Timestamp.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFilename follows token_usage_YYYYMMDD_HHMMSS.csv.
func ExportFilename(now time.Time) string {
	return "token_usage_" + now.Format("20060102_150405") + ".csv"
}
