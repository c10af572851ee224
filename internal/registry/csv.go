package registry

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// utf8BOM is stripped before parsing; exported spreadsheets routinely
// carry it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// readRosterCSV reads the fallback roster file: semicolon-delimited, UTF-8
// with an optional byte-order mark, header row first.
func readRosterCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster csv: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(len(utf8BOM))
	if err == nil && bytes.Equal(head, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, fmt.Errorf("discard BOM: %w", err)
		}
	}

	reader := csv.NewReader(br)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster csv: %w", err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}
