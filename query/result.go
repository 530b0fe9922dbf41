package query

import "strconv"

// Row is a single result row: field name mapped to the server's textual
// value. NULL values are represented as the empty string, matching the libpq
// text-format convention. Field order is carried by ResultSet.Fields, not by
// the map.
type Row map[string]string

func isNumeric(v string) bool {
	if v == "" {
		return false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Get returns the value of the named field, or the empty string if the row
// has no such field.
func (r Row) Get(name string) string {
	return r[name]
}

// GetDefault returns the value of the named field, or def if the row has no
// such field.
func (r Row) GetDefault(name string, def string) string {
	if v, ok := r[name]; ok {
		return v
	}
	return def
}

// GetUint64 parses the named field as an unsigned integer. Missing fields and
// non-numeric values yield def.
func (r Row) GetUint64(name string, def uint64) uint64 {
	v, ok := r[name]
	if !ok || !isNumeric(v) {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ResultSet is the outcome of one query. A non-empty ErrorMsg is the
// canonical per-query failure signal; when it is set the rows are ignored by
// convention. There is no error channel besides ErrorMsg.
type ResultSet struct {
	// ErrorMsg carries the server-reported fatal error, or a connection
	// failure description. Empty on success.
	ErrorMsg string

	// Fields lists the column names in server order.
	Fields []string

	// Rows holds the result rows in server order.
	Rows []Row

	// CommandTag is the server's completion tag (e.g. "SELECT 1",
	// "UPDATE 3"). Empty for errors and empty queries.
	CommandTag string
}

// IsError reports whether the result carries a failure.
func (rs *ResultSet) IsError() bool {
	return rs.ErrorMsg != ""
}

// RowsAffected parses the row count out of the command tag, returning 0 when
// the tag carries none.
func (rs *ResultSet) RowsAffected() int64 {
	tag := rs.CommandTag
	i := len(tag)
	for i > 0 && tag[i-1] >= '0' && tag[i-1] <= '9' {
		i--
	}
	if i == len(tag) {
		return 0
	}
	n, err := strconv.ParseInt(tag[i:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
