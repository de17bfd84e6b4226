package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"riffstake/native/staking"
)

// Format names a movement export encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSONL   Format = "jsonl"
	FormatParquet Format = "parquet"
)

// ParseFormat accepts csv, jsonl or parquet. An empty value means csv.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSONL, "ndjson":
		return FormatJSONL, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("exports: unsupported format %q", raw)
	}
}

// ContentType returns the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "text/csv"
	}
}

var movementHeader = []string{"position_id", "sequence", "kind", "amount", "reference", "occurred_at", "digest"}

// Movements encodes movements in format and returns the payload with its
// SHA-256 checksum.
func Movements(format Format, movements []*staking.LedgerMovement) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		return MovementsCSV(movements)
	case FormatJSONL:
		return MovementsJSONL(movements)
	case FormatParquet:
		return MovementsParquet(movements)
	default:
		return nil, "", fmt.Errorf("exports: unsupported format %q", format)
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MovementsCSV writes one CSV row per movement after a header row.
func MovementsCSV(movements []*staking.LedgerMovement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	w := csv.NewWriter(buffer)
	if err := w.Write(movementHeader); err != nil {
		return nil, "", err
	}
	for _, m := range movements {
		if m == nil {
			continue
		}
		record := []string{
			m.StakePositionID,
			strconv.FormatInt(m.Sequence, 10),
			string(m.Kind),
			m.Amount.String(),
			m.Reference,
			m.OccurredAt.UTC().Format(time.RFC3339Nano),
			m.Digest,
		}
		if err := w.Write(record); err != nil {
			return nil, "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

type movementLine struct {
	PositionID string `json:"position_id"`
	Sequence   int64  `json:"sequence"`
	Kind       string `json:"kind"`
	Amount     string `json:"amount"`
	Reference  string `json:"reference,omitempty"`
	OccurredAt string `json:"occurred_at"`
	Digest     string `json:"digest"`
}

// MovementsJSONL writes one JSON object per line.
func MovementsJSONL(movements []*staking.LedgerMovement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, m := range movements {
		if m == nil {
			continue
		}
		if err := encoder.Encode(movementLine{
			PositionID: m.StakePositionID,
			Sequence:   m.Sequence,
			Kind:       string(m.Kind),
			Amount:     m.Amount.String(),
			Reference:  m.Reference,
			OccurredAt: m.OccurredAt.UTC().Format(time.RFC3339Nano),
			Digest:     m.Digest,
		}); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

type movementRow struct {
	PositionID     string `parquet:"name=position_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence       int64  `parquet:"name=sequence, type=INT64"`
	Kind           string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference      string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	OccurredAtUnix int64  `parquet:"name=occurred_at_micros, type=INT64"`
	Digest         string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// MovementsParquet writes a snappy-compressed Parquet file. Amounts stay
// decimal strings so no precision is lost.
func MovementsParquet(movements []*staking.LedgerMovement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	fw := writerfile.NewWriterFile(buffer)
	pw, err := writer.NewParquetWriter(fw, new(movementRow), 1)
	if err != nil {
		return nil, "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, m := range movements {
		if m == nil {
			continue
		}
		row := &movementRow{
			PositionID:     m.StakePositionID,
			Sequence:       m.Sequence,
			Kind:           string(m.Kind),
			Amount:         m.Amount.String(),
			Reference:      m.Reference,
			OccurredAtUnix: m.OccurredAt.UTC().UnixMicro(),
			Digest:         m.Digest,
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, "", fmt.Errorf("exports: parquet flush: %w", err)
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
