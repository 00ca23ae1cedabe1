package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"
)

var header = []string{
	"timestamp",
	"node_id",
	"address",
	"healthy",
	"latency_ms",
	"consecutive_failures",
	"error",
}

// WriteCSV writes probe records to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	return writeRecords(writer, items)
}

// AppendCSV appends probe records to path, writing the header only when the
// file is new or empty.
func AppendCSV(path string, items []Record) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	return writeRecords(writer, items)
}

func writeRecords(writer *csv.Writer, items []Record) error {
	for _, r := range items {
		latency := ""
		if r.Latency != nil {
			latency = strconv.FormatFloat(float64(*r.Latency)/float64(time.Millisecond), 'f', 3, 64)
		}
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.NodeID,
			r.Address,
			strconv.FormatBool(r.Healthy),
			latency,
			strconv.Itoa(r.ConsecutiveFailures),
			r.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
