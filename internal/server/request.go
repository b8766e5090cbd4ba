package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/menta2k/defect-forge/pkg/inpaint"
)

// number is a lenient numeric request field: a JSON number, a numeric
// string or null
type number struct {
	raw    string
	quoted bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = number{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", inpaint.ErrInvalidParams, err)
		}
		*n = number{raw: strings.TrimSpace(s), quoted: true}
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("%w: not a number: %s", inpaint.ErrInvalidParams, data)
	}
	*n = number{raw: string(data)}
	return nil
}

func (n number) set() bool {
	return n.raw != "" || n.quoted
}

// Int returns the value, or def when the field was absent. Fractional
// numbers are truncated; fractional strings are rejected.
func (n number) Int(def int) (int, error) {
	if !n.set() {
		return def, nil
	}
	if v, err := strconv.Atoi(n.raw); err == nil {
		return v, nil
	}
	if n.quoted {
		return 0, fmt.Errorf("invalid integer %q", n.raw)
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("invalid integer %q", n.raw)
	}
	return int(f), nil
}

// Float returns the value, or def when the field was absent
func (n number) Float(def float64) (float64, error) {
	if !n.set() {
		return def, nil
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid number %q", n.raw)
	}
	return f, nil
}

// isJSONError reports malformed request bodies
func isJSONError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
