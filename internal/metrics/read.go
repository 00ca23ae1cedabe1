package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// ReadCSV loads probe records from a CSV history file.
func ReadCSV(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]Record, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		healthy, _ := strconv.ParseBool(rec[3])
		failures, _ := strconv.Atoi(rec[5])

		item := Record{
			Timestamp:           ts,
			NodeID:              rec[1],
			Address:             rec[2],
			Healthy:             healthy,
			ConsecutiveFailures: failures,
			Error:               rec[6],
		}
		if rec[4] != "" {
			ms, err := strconv.ParseFloat(rec[4], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid latency at line %d: %w", i+1, err)
			}
			d := time.Duration(ms * float64(time.Millisecond))
			item.Latency = &d
		}
		items = append(items, item)
	}

	return items, nil
}
