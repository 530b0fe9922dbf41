package query

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
)

// Format codes understood by the PostgreSQL extended query protocol.
const (
	TextFormat   int16 = 0
	BinaryFormat int16 = 1
)

// Params is a fully encoded parameterized SQL command, ready to be submitted
// over a pipelined connection. Values are in the wire form the server expects:
// one type OID and one textual value per parameter, with a nil value meaning
// SQL NULL. Params is immutable once built; the same Params value may be
// pushed any number of times.
type Params struct {
	// Command is the SQL text, with $1..$n placeholders when parameterized.
	Command string

	// Types holds the parameter OIDs, one per value. May be empty for a
	// plain query.
	Types []uint32

	// Values holds the encoded parameter values. A nil element is sent as
	// SQL NULL.
	Values [][]byte

	// Formats marks each parameter as text or binary. All parameters built
	// through Builder are text format.
	Formats []int16

	// ResultFormat selects text or binary result encoding for all columns.
	ResultFormat int16
}

// NewParams returns Params for a plain SQL command with no parameters.
func NewParams(sql string) *Params {
	return &Params{Command: sql}
}

// HasParams reports whether the command carries any parameters.
func (p *Params) HasParams() bool {
	return len(p.Values) > 0
}

// Builder assembles a parameterized query. Add* calls append parameters in
// placeholder order ($1 first). The zero Builder is not usable; start with
// NewBuilder.
type Builder struct {
	command string
	types   []uint32
	values  [][]byte
	err     error
}

// NewBuilder starts a builder for the given SQL command.
func NewBuilder(sql string) *Builder {
	return &Builder{command: sql}
}

func (b *Builder) add(oid uint32, value []byte) *Builder {
	b.types = append(b.types, oid)
	b.values = append(b.values, value)
	return b
}

// AddString appends a varchar parameter.
func (b *Builder) AddString(v string) *Builder {
	return b.add(pgtype.VarcharOID, []byte(v))
}

// AddInt32 appends an int4 parameter.
func (b *Builder) AddInt32(v int32) *Builder {
	return b.add(pgtype.Int4OID, strconv.AppendInt(nil, int64(v), 10))
}

// AddUint32 appends an unsigned value as an int4 parameter.
func (b *Builder) AddUint32(v uint32) *Builder {
	return b.add(pgtype.Int4OID, strconv.AppendUint(nil, uint64(v), 10))
}

// AddInt64 appends an int8 parameter.
func (b *Builder) AddInt64(v int64) *Builder {
	return b.add(pgtype.Int8OID, strconv.AppendInt(nil, v, 10))
}

// AddUint64 appends an unsigned value as an int8 parameter.
func (b *Builder) AddUint64(v uint64) *Builder {
	return b.add(pgtype.Int8OID, strconv.AppendUint(nil, v, 10))
}

// AddFloat64 appends a float8 parameter.
func (b *Builder) AddFloat64(v float64) *Builder {
	return b.add(pgtype.Float8OID, strconv.AppendFloat(nil, v, 'f', -1, 64))
}

// AddBool appends a bool parameter, encoded as "1" or "0".
func (b *Builder) AddBool(v bool) *Builder {
	s := "0"
	if v {
		s = "1"
	}
	return b.add(pgtype.BoolOID, []byte(s))
}

// AddJSONArray appends a json parameter holding the JSON encoding of v, which
// must marshal to a JSON array (a slice or array value). The encoding error,
// if any, is reported by Build.
func (b *Builder) AddJSONArray(v any) *Builder {
	data, err := json.Marshal(v)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("encode json array parameter $%d: %w", len(b.values)+1, err)
		}
		return b.add(pgtype.JSONOID, nil)
	}
	return b.add(pgtype.JSONOID, data)
}

// AddNull appends a SQL NULL parameter with the given type OID.
func (b *Builder) AddNull(oid uint32) *Builder {
	return b.add(oid, nil)
}

// AddParam appends a raw parameter: any type OID with an already-encoded
// textual value.
func (b *Builder) AddParam(oid uint32, value string) *Builder {
	return b.add(oid, []byte(value))
}

// Build returns the assembled Params, or the first error recorded while
// encoding parameters.
func (b *Builder) Build() (*Params, error) {
	if b.err != nil {
		return nil, b.err
	}
	p := &Params{
		Command:      b.command,
		Types:        b.types,
		Values:       b.values,
		ResultFormat: TextFormat,
	}
	if n := len(b.values); n > 0 {
		p.Formats = make([]int16, n)
	}
	return p, nil
}
