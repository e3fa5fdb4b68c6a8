// Package query encodes and decodes the key-value messages exchanged by
// applications over a peer link.
//
// A query is a UTF-8 message of the form "<key>:<value>", where the key does
// not contain a colon and the value is not empty:
//
//	cell-sign:cross
//	place-cell:2,1
//	game-start:nought
//
// Use [Mux] to dispatch received queries to handlers by key.
package query

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Keys of the queries exchanged by game clients.
const (
	KeyCellSign  = "cell-sign"  // value: a Sign
	KeyPlaceCell = "place-cell" // value: a Cell
	KeyGameStart = "game-start" // value: the Sign that moves first
)

// ErrMalformed is wrapped by errors reporting a message that is not a valid
// query.
var ErrMalformed = errors.New("malformed query")

// A Query is a single key-value message.
type Query struct {
	Key   string
	Value string
}

// New constructs a query with the given key and value. The value must be a
// string or []byte, or implement encoding.TextMarshaler.
func New(key string, value any) (Query, error) {
	text, err := marshal(value)
	if err != nil {
		return Query{}, fmt.Errorf("query %q: %w", key, err)
	}
	return Query{Key: key, Value: string(text)}, nil
}

// MustNew is as New, but panics on error.
func MustNew(key string, value any) Query {
	q, err := New(key, value)
	if err != nil {
		panic(err)
	}
	return q
}

// Encode encodes q in wire format.
func (q Query) Encode() []byte { return []byte(q.String()) }

func (q Query) String() string { return q.Key + ":" + q.Value }

// Parse decodes a query from its wire format. It reports an error wrapping
// ErrMalformed if data is not valid UTF-8, has no separator, or has an empty
// key or value.
func Parse(data []byte) (Query, error) {
	if !utf8.Valid(data) {
		return Query{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformed)
	}
	key, val, ok := bytes.Cut(data, []byte(":"))
	if !ok {
		return Query{}, fmt.Errorf("%w: missing separator in %q", ErrMalformed, data)
	} else if len(key) == 0 {
		return Query{}, fmt.Errorf("%w: empty key", ErrMalformed)
	} else if len(val) == 0 {
		return Query{}, fmt.Errorf("%w: empty value for %q", ErrMalformed, key)
	}
	return Query{Key: string(key), Value: string(val)}, nil
}

// A Sign is the mark a player places on the board.
type Sign string

const (
	Cross  Sign = "cross"
	Nought Sign = "nought"
)

// Opposite returns the sign of the other player.
func (s Sign) Opposite() Sign {
	if s == Cross {
		return Nought
	}
	return Cross
}

// MarshalText implements encoding.TextMarshaler.
func (s Sign) MarshalText() ([]byte, error) {
	if s != Cross && s != Nought {
		return nil, fmt.Errorf("invalid sign %q", string(s))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Sign) UnmarshalText(data []byte) error {
	switch v := Sign(data); v {
	case Cross, Nought:
		*s = v
		return nil
	}
	return fmt.Errorf("%w: invalid sign %q", ErrMalformed, data)
}

// A Cell is a position on the board, encoded as "<column>,<row>".
type Cell struct {
	Column, Row int
}

func (c Cell) String() string { return strconv.Itoa(c.Column) + "," + strconv.Itoa(c.Row) }

// MarshalText implements encoding.TextMarshaler.
func (c Cell) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cell) UnmarshalText(data []byte) error {
	col, row, ok := strings.Cut(string(data), ",")
	if !ok {
		return fmt.Errorf("%w: cell %q has no separator", ErrMalformed, data)
	}
	cv, err := strconv.Atoi(strings.TrimSpace(col))
	if err != nil {
		return fmt.Errorf("%w: cell column: %w", ErrMalformed, err)
	}
	rv, err := strconv.Atoi(strings.TrimSpace(row))
	if err != nil {
		return fmt.Errorf("%w: cell row: %w", ErrMalformed, err)
	}
	c.Column, c.Row = cv, rv
	return nil
}

// PlaceCell returns a query announcing that the sender placed its sign at c.
func PlaceCell(c Cell) Query { return Query{Key: KeyPlaceCell, Value: c.String()} }

// CellSign returns a query announcing the sign the sender plays.
func CellSign(s Sign) Query { return Query{Key: KeyCellSign, Value: string(s)} }

// GameStart returns a query announcing a new game in which first moves first.
func GameStart(first Sign) Query { return Query{Key: KeyGameStart, Value: string(first)} }

// unmarshal decodes text into v. The concrete type of v must be a pointer to
// a []byte or string, or must implement encoding.TextUnmarshaler.
func unmarshal(text string, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = []byte(text)
	case *string:
		*t = text
	case encoding.TextUnmarshaler:
		return t.UnmarshalText([]byte(text))
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v as text. The concrete type of v must be a []byte or
// string, or must implement encoding.TextMarshaler.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
