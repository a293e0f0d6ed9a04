package transform

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
)

// Decode reads a raw object by extension and returns its rows and the columns it carries.
func Decode(key string, data []byte) ([]RawRecord, []string, error) {
	switch {
	case strings.HasSuffix(key, ".parquet"):
		return decodeParquet(data)
	case strings.HasSuffix(key, ".json"), strings.HasSuffix(key, ".ndjson"):
		return decodeNDJSON(data)
	default:
		return nil, nil, fmt.Errorf("unsupported raw object %s", key)
	}
}

// IsRawObject reports whether key names a decodable raw object.
func IsRawObject(key string) bool {
	return strings.HasSuffix(key, ".parquet") || strings.HasSuffix(key, ".json") || strings.HasSuffix(key, ".ndjson")
}

func decodeParquet(data []byte) ([]RawRecord, []string, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, SchemaValidationError.New("open parquet: %v", err)
	}

	schema := f.Schema()
	index := map[string]int{}
	var columns []string
	for i, path := range schema.Columns() {
		name := strings.Join(path, ".")
		columns = append(columns, name)
		index[name] = i
	}
	ts := timestampKindOf(schema)

	col := func(name string) int {
		if i, ok := index[name]; ok {
			return i
		}
		return -1
	}
	var (
		iCodigo = col(ColCodigo)
		iAcao   = col(ColAcao)
		iTipo   = col(ColTipo)
		iQtde   = col(ColQtdeTeorica)
		iPart   = col(ColParticipacaoPct)
		iTs     = col(ColTimestampColeta)
	)

	var out []RawRecord
	buf := make([]parquet.Row, 256)
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		for {
			n, readErr := rows.ReadRows(buf)
			for _, values := range buf[:n] {
				byCol := make(map[int]parquet.Value, len(values))
				for _, v := range values {
					byCol[v.Column()] = v
				}
				rec := RawRecord{
					Codigo:          stringValue(byCol, iCodigo),
					Acao:            stringValue(byCol, iAcao),
					Tipo:            stringValue(byCol, iTipo),
					TimestampColeta: timestampValue(byCol, iTs, ts),
				}
				if rec.QtdeTeorica, err = floatValue(byCol, iQtde); err != nil {
					_ = rows.Close()
					return nil, nil, SchemaValidationError.New("%s: %v", ColQtdeTeorica, err)
				}
				if rec.ParticipacaoPct, err = floatValue(byCol, iPart); err != nil {
					_ = rows.Close()
					return nil, nil, SchemaValidationError.New("%s: %v", ColParticipacaoPct, err)
				}
				out = append(out, rec)
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				_ = rows.Close()
				return nil, nil, fmt.Errorf("read parquet rows: %w", readErr)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, nil, err
		}
	}
	return out, columns, nil
}

// timestampKind describes a native timestamp_coleta column. A zero unit means the column is text.
type timestampKind struct {
	unit  time.Duration
	naive bool // not adjusted to UTC; the wall clock is read in the engine's location
}

func timestampKindOf(schema *parquet.Schema) timestampKind {
	leaf, ok := schema.Lookup(ColTimestampColeta)
	if !ok {
		return timestampKind{}
	}
	return logicalTimestamp(leaf.Node.Type().LogicalType(), leaf.Node.Type().Kind())
}

func logicalTimestamp(lt *format.LogicalType, kind parquet.Kind) timestampKind {
	if lt == nil || lt.Timestamp == nil {
		if kind == parquet.Int64 {
			return timestampKind{unit: time.Nanosecond}
		}
		return timestampKind{}
	}
	k := timestampKind{unit: time.Nanosecond, naive: !lt.Timestamp.IsAdjustedToUTC}
	switch {
	case lt.Timestamp.Unit.Millis != nil:
		k.unit = time.Millisecond
	case lt.Timestamp.Unit.Micros != nil:
		k.unit = time.Microsecond
	}
	return k
}

func stringValue(values map[int]parquet.Value, col int) *string {
	v, ok := values[col]
	if col < 0 || !ok || v.IsNull() {
		return nil
	}
	var s string
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		s = string(v.ByteArray())
	default:
		s = v.String()
	}
	return &s
}

func floatValue(values map[int]parquet.Value, col int) (*float64, error) {
	v, ok := values[col]
	if col < 0 || !ok || v.IsNull() {
		return nil, nil
	}
	var f float64
	switch v.Kind() {
	case parquet.Int32:
		f = float64(v.Int32())
	case parquet.Int64:
		f = float64(v.Int64())
	case parquet.Float:
		f = float64(v.Float())
	case parquet.Double:
		f = v.Double()
	case parquet.ByteArray:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(string(v.ByteArray())), 64)
		if err != nil {
			return nil, err
		}
		f = parsed
	default:
		return nil, fmt.Errorf("unsupported physical type %s", v.Kind())
	}
	return &f, nil
}

func timestampValue(values map[int]parquet.Value, col int, kind timestampKind) *string {
	v, ok := values[col]
	if col < 0 || !ok || v.IsNull() {
		return nil
	}
	if kind.unit > 0 && v.Kind() == parquet.Int64 {
		layout := time.RFC3339Nano
		if kind.naive {
			layout = naiveLayout
		}
		s := time.Unix(0, v.Int64()*int64(kind.unit)).UTC().Format(layout)
		return &s
	}
	return stringValue(values, col)
}

func decodeNDJSON(data []byte) ([]RawRecord, []string, error) {
	seen := map[string]struct{}{}
	var columns []string
	var out []RawRecord

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(text, &obj); err != nil {
			return nil, nil, SchemaValidationError.New("line %d: %v", line, err)
		}
		for k := range obj {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}

		var rec RawRecord
		var err error
		rec.Codigo = jsonString(obj[ColCodigo])
		rec.Acao = jsonString(obj[ColAcao])
		rec.Tipo = jsonString(obj[ColTipo])
		rec.TimestampColeta = jsonString(obj[ColTimestampColeta])
		if rec.QtdeTeorica, err = jsonFloat(obj[ColQtdeTeorica]); err != nil {
			return nil, nil, SchemaValidationError.New("line %d %s: %v", line, ColQtdeTeorica, err)
		}
		if rec.ParticipacaoPct, err = jsonFloat(obj[ColParticipacaoPct]); err != nil {
			return nil, nil, SchemaValidationError.New("line %d %s: %v", line, ColParticipacaoPct, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read ndjson: %w", err)
	}
	return out, columns, nil
}

func jsonString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		// numbers and other scalars keep their literal text
		s = string(raw)
	}
	return &s
}

func jsonFloat(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("not a number: %s", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
