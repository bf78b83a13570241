package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrMalformedProperty is returned for a line that is neither a comment nor key=value.
var ErrMalformedProperty = errors.New("malformed property")

// Properties is a key=value parameter document. Lines starting with # are
// comments; whitespace around keys and values is ignored.
type Properties map[string]string

// ParseProperties reads a properties document.
func ParseProperties(r io.Reader) (Properties, error) {
	props := make(Properties)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		k, v, ok := strings.Cut(text, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("line %d: %w: %q", line, ErrMalformedProperty, text)
		}
		props[k] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read properties: %w", err)
	}
	return props, nil
}

// ParsePropertiesString is ParseProperties for an in-memory document.
func ParsePropertiesString(s string) (Properties, error) {
	return ParseProperties(strings.NewReader(s))
}

// String renders the document with keys in sorted order.
func (p Properties) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Int returns the integer under key, or def when it is absent.
func (p Properties) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// Bool returns the boolean under key, or def when it is absent. 0 and 1 are accepted.
func (p Properties) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// SetInt stores n under key.
func (p Properties) SetInt(key string, n int) {
	p[key] = strconv.Itoa(n)
}

// SetBool stores b as 0 or 1.
func (p Properties) SetBool(key string, b bool) {
	if b {
		p[key] = "1"
		return
	}
	p[key] = "0"
}
