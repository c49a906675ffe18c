// Package mtalog parses Postfix style delivery-status log lines.
//
// A delivery-status line looks like
//
//	Jan 15 10:23:45 mx1 postfix/smtp[4242]: 3F2A81C0042: to=<a@b.com>, relay=mx.b.com[192.0.2.7]:25, delay=0.4, dsn=5.1.1, status=bounced (host mx.b.com said: 550 5.1.1 Recipient address rejected)
//
// Both classic syslog timestamps and RFC 3339 timestamps are accepted. Key/value
// pairs are read in any order, so the parenthesised status text may appear
// before or after the dsn field.
package mtalog

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/mailtrack/helpers"
	"lukechampine.com/blake3"
)

// Record is one parsed delivery-status line.
type Record struct {
	QueueID    string
	DSN        string
	DSNClass   int // 0 when the line carries no dsn
	MTAStatus  string
	StatusText string
	Recipient  string // empty for queue-wide lines
	Relay      string
	Timestamp  time.Time
	Hash       string
	Raw        string
}

// RelayFailure reports whether the line indicates that delivery failed at the
// relay level without a usable DSN.
func (r Record) RelayFailure() bool {
	if strings.EqualFold(r.Relay, "none") {
		return true
	}
	if r.DSNClass != 0 {
		return false
	}
	switch r.MTAStatus {
	case "bounced", "expired", "undeliverable":
		return true
	}
	return false
}

var (
	queueIDRe = regexp.MustCompile(`^([0-9A-Za-z]{5,}):\s+(.*)$`)
	dsnRe     = regexp.MustCompile(`^([1-7])\.\d{1,3}\.\d{1,3}$`)
)

const syslogLayout = "Jan 2 15:04:05"

// Parser parses log lines. The zero value parses classic syslog timestamps
// relative to the current time in UTC.
type Parser struct {
	// Now supplies the reference time used to infer the year of syslog timestamps.
	Now func() time.Time
	// Location is the zone syslog timestamps are written in.
	Location *time.Location
}

// NewParser returns a parser that interprets syslog timestamps in loc.
func NewParser(loc *time.Location) *Parser {
	return &Parser{Now: time.Now, Location: loc}
}

// HashLine returns the hex BLAKE3 digest used to recognise replayed lines.
func HashLine(line string) string {
	sum := blake3.Sum256([]byte(line))
	return hex.EncodeToString(sum[:])
}

// Parse turns a raw line into a Record. Errors are *ParseError values.
func (p *Parser) Parse(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Record{}, skipped("empty line")
	}

	ts, msg, headerErr := p.splitHeader(line)
	if !strings.Contains(msg, "status=") {
		return Record{}, skipped("no status field")
	}
	if headerErr != nil {
		return Record{}, malformed(headerErr.Error())
	}

	m := queueIDRe.FindStringSubmatch(msg)
	if m == nil {
		return Record{}, malformed("missing queue id")
	}

	rec := Record{
		QueueID:   m[1],
		Timestamp: ts,
		Hash:      HashLine(line),
		Raw:       line,
	}

	fields, statusText := scanFields(m[2])
	rec.MTAStatus = strings.ToLower(fields["status"])
	rec.StatusText = statusText
	rec.Recipient = helpers.NormalizeAddress(fields["to"])
	rec.Relay = fields["relay"]

	if rec.MTAStatus == "" {
		return Record{}, malformed("missing status")
	}
	// Queue-wide lines such as the qmgr expiry notice name the sender only
	// and are correlated by queue id alone.
	if rec.Recipient == "" {
		if _, ok := fields["from"]; !ok {
			return Record{}, malformed("missing recipient")
		}
	}
	if dsn, ok := fields["dsn"]; ok {
		dm := dsnRe.FindStringSubmatch(dsn)
		if dm == nil {
			return Record{}, malformed(fmt.Sprintf("invalid dsn %q", dsn))
		}
		rec.DSN = dsn
		rec.DSNClass, _ = strconv.Atoi(dm[1])
	}
	return rec, nil
}

// splitHeader separates the timestamp, host and program tag from the message.
// The message is returned even when the timestamp is unusable so that the
// caller can still tell noise from broken status lines.
func (p *Parser) splitHeader(line string) (time.Time, string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return time.Time{}, "", fmt.Errorf("empty header")
	}

	var (
		ts      time.Time
		tsErr   error
		consume int
	)
	if t, err := time.Parse(time.RFC3339Nano, fields[0]); err == nil {
		ts, consume = t, 1
	} else if len(fields) >= 3 {
		ts, tsErr = p.parseSyslogTime(fields[0], fields[1], fields[2])
		consume = 3
	} else {
		return time.Time{}, "", fmt.Errorf("short header")
	}

	// host and program tag
	consume += 2
	if len(fields) < consume {
		return time.Time{}, "", fmt.Errorf("short header")
	}
	if !strings.HasSuffix(fields[consume-1], ":") {
		// No program tag: treat the remainder as the message anyway.
		consume--
	}

	msg := remainderAfterFields(line, consume)
	if tsErr != nil {
		return time.Time{}, msg, tsErr
	}
	return ts, msg, nil
}

func (p *Parser) parseSyslogTime(month, day, clock string) (time.Time, error) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	now = now.In(loc)

	t, err := time.ParseInLocation(syslogLayout, month+" "+day+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", month+" "+day+" "+clock)
	}
	t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
	// A December line read in early January belongs to the previous year.
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

// remainderAfterFields returns line with its first n whitespace separated fields removed.
func remainderAfterFields(line string, n int) string {
	rest := line
	for i := 0; i < n; i++ {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}

// scanFields reads key=value pairs separated by commas or spaces. The value of
// status may be followed by a parenthesised text, which is returned separately.
// Free text that is not a key=value pair is ignored.
func scanFields(s string) (map[string]string, string) {
	fields := make(map[string]string)
	var statusText string

	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == ',' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			break
		}

		if s[i] == '(' {
			// Stray parenthesised text not attached to status.
			_, i = readParens(s, i)
			continue
		}

		start := i
		for i < len(s) && isKeyChar(s[i]) {
			i++
		}
		if i == start || i >= len(s) || s[i] != '=' {
			for i < len(s) && s[i] != ' ' && s[i] != ',' {
				i++
			}
			continue
		}
		key := strings.ToLower(s[start:i])
		i++

		var value string
		if i < len(s) && s[i] == '<' {
			end := strings.IndexByte(s[i:], '>')
			if end < 0 {
				value = s[i:]
				i = len(s)
			} else {
				value = s[i : i+end+1]
				i += end + 1
			}
		} else {
			vs := i
			for i < len(s) && s[i] != ',' && s[i] != ' ' && s[i] != '\t' {
				i++
			}
			value = s[vs:i]
		}
		if _, dup := fields[key]; !dup {
			fields[key] = value
		}

		if key == "status" {
			j := i
			for j < len(s) && s[j] == ' ' {
				j++
			}
			if j < len(s) && s[j] == '(' {
				statusText, i = readParens(s, j)
			}
		}
	}
	return fields, statusText
}

// readParens reads a balanced parenthesised group starting at s[i] == '('.
// It returns the inner text and the index after the closing parenthesis.
func readParens(s string, i int) (string, int) {
	depth := 0
	for j := i; j < len(s); j++ {
		switch s[j] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[i+1 : j], j + 1
			}
		}
	}
	return s[i+1:], len(s)
}

func isKeyChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}
