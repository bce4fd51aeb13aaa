// Package instkey encodes occurrence identities into opaque, stable strings.
//
// A key is "occ1.<base64url(templateID)>.<YYYYMMDD>.<slot>". The template id
// is base64url encoded (no padding) so arbitrary ids cannot collide with the
// separators. Keys are opaque outside this package.
package instkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskrecur/internal/calendar"
)

// ErrMalformedKey is returned for any input that Encode would not produce.
var ErrMalformedKey = errors.New("malformed occurrence key")

const (
	prefix     = "occ1"
	sep        = "."
	dateLayout = "20060102"
	maxSlot    = 1<<16 - 1
)

var idEncoding = base64.RawURLEncoding

// Key is the decoded form of an occurrence key.
type Key struct {
	TemplateID string
	Date       calendar.Date
	Slot       int
}

func (k Key) String() string {
	s, err := Encode(k.TemplateID, k.Date, k.Slot)
	if err != nil {
		return ""
	}
	return s
}

// Encode builds the key for one occurrence. It is a pure function of its
// inputs.
func Encode(templateID string, date calendar.Date, slot int) (string, error) {
	if templateID == "" {
		return "", fmt.Errorf("%w: empty template id", ErrMalformedKey)
	}
	if slot < 0 || slot > maxSlot {
		return "", fmt.Errorf("%w: slot %d out of range", ErrMalformedKey, slot)
	}
	if !date.Valid() || date.Year < 1 || date.Year > 9999 {
		return "", fmt.Errorf("%w: invalid date %v", ErrMalformedKey, date)
	}
	day := time.Date(date.Year, date.Month, date.Day, 0, 0, 0, 0, time.UTC).Format(dateLayout)
	return strings.Join([]string{
		prefix,
		idEncoding.EncodeToString([]byte(templateID)),
		day,
		strconv.Itoa(slot),
	}, sep), nil
}

// Decode parses a key produced by Encode. Non-canonical spellings (leading
// zeros, padding, other prefixes) are rejected.
func Decode(key string) (Key, error) {
	parts := strings.Split(key, sep)
	if len(parts) != 4 || parts[0] != prefix {
		return Key{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	id, err := idEncoding.DecodeString(parts[1])
	if err != nil {
		return Key{}, fmt.Errorf("%w: template id: %v", ErrMalformedKey, err)
	}
	day, err := time.Parse(dateLayout, parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: date: %v", ErrMalformedKey, err)
	}
	slot, err := strconv.Atoi(parts[3])
	if err != nil {
		return Key{}, fmt.Errorf("%w: slot: %v", ErrMalformedKey, err)
	}

	k := Key{TemplateID: string(id), Date: calendar.DateOf(day), Slot: slot}
	canonical, err := Encode(k.TemplateID, k.Date, k.Slot)
	if err != nil {
		return Key{}, err
	}
	if canonical != key {
		return Key{}, fmt.Errorf("%w: non-canonical %q", ErrMalformedKey, key)
	}
	return k, nil
}
