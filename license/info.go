package license

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidLicense    = errors.New("license: invalid license")
	ErrLicenseExpired    = errors.New("license: expired")
	ErrChecksumMismatch  = errors.New("license: checksum mismatch")
	ErrCorruptStatistics = errors.New("license: corrupt statistics")
)

const dateLayout = "2006-01-02"

// Date is a calendar date without time of day.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t: t}, nil
}

func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) After(o Date) bool  { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) Time() time.Time    { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Info is a license descriptor.
type Info struct {
	Key     string `json:"key,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Quota   int    `json:"quota"`
	EndDate Date   `json:"endDate"`
}

func (i Info) validate() error {
	if i.Quota <= 0 {
		return fmt.Errorf("%w: quota must be positive, got %d", ErrInvalidLicense, i.Quota)
	}
	if i.EndDate.IsZero() {
		return fmt.Errorf("%w: missing endDate", ErrInvalidLicense)
	}
	return nil
}

// ExpiredOn reports whether the license is no longer valid on day.
func (i Info) ExpiredOn(day Date) bool { return i.EndDate.Before(day) }

// ParseInfo reads a bare descriptor or a checksummed envelope.
func ParseInfo(data []byte) (Info, error) {
	if !gjson.ValidBytes(data) {
		return Info{}, fmt.Errorf("%w: not valid JSON", ErrInvalidLicense)
	}
	content := data
	if env := gjson.GetBytes(data, "content"); env.Exists() {
		sum := gjson.GetBytes(data, "checksum")
		if sum.Type != gjson.String {
			return Info{}, fmt.Errorf("%w: envelope without checksum", ErrInvalidLicense)
		}
		raw := []byte(env.Raw)
		want, err := Checksum(raw)
		if err != nil {
			return Info{}, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
		}
		if want != sum.String() {
			return Info{}, ErrChecksumMismatch
		}
		content = raw
	}
	var info Info
	if err := json.Unmarshal(content, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidLicense, err)
	}
	if err := info.validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Marshal returns the bare descriptor.
func (i Info) Marshal() ([]byte, error) {
	if err := i.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(i)
}

// MarshalEnvelope returns the descriptor wrapped with its checksum.
func (i Info) MarshalEnvelope() ([]byte, error) {
	content, err := i.Marshal()
	if err != nil {
		return nil, err
	}
	sum, err := Checksum(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Content  json.RawMessage `json:"content"`
		Checksum string          `json:"checksum"`
	}{content, sum})
}

// Checksum is base64(sha256(content)) over the compact form of content.
func Checksum(content []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, content); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
