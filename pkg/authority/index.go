package authority

import (
	"bufio"
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Status is the first column of an index row
type Status byte

const (
	StatusValid   Status = 'V'
	StatusRevoked Status = 'R'
	StatusExpired Status = 'E'
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "issued"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	}
	return fmt.Sprintf("unknown(%c)", s)
}

// CRL reason names as written by openssl in the revocation column
const (
	ReasonUnspecified = "unspecified"
	ReasonSuperseded  = "superseded"
)

const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
)

// Record is one row of the issuance index. Rows are tab separated:
// status, expiry, revocation date[,reason], serial, file name and subject.
type Record struct {
	Status    Status
	Expiry    time.Time
	RevokedAt time.Time
	Reason    string
	Serial    *big.Int
	Filename  string
	Subject   string
}

// Identity returns the CN of the record's subject
func (r Record) Identity() string {
	return commonName(r.Subject)
}

// SerialHex returns the serial as written in the index
func (r Record) SerialHex() string {
	return SerialHex(r.Serial)
}

// Index is the in-memory model of index.txt. It keeps the rows in ledger
// order and maps every identity to its single issued row, if any.
type Index struct {
	records []Record
	issued  map[string]int
}

// NewIndex returns an empty index
func NewIndex() *Index {
	return &Index{issued: map[string]int{}}
}

// ParseIndex decodes the content of an index.txt file
func ParseIndex(data []byte) (*Index, error) {
	ix := NewIndex()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		rec, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptIndex, line, err)
		}
		if rec.Status == StatusValid {
			if _, ok := ix.issued[rec.Identity()]; ok {
				return nil, fmt.Errorf("%w: line %d: %s has more than one issued certificate", ErrCorruptIndex, line, rec.Identity())
			}
			ix.issued[rec.Identity()] = len(ix.records)
		}
		ix.records = append(ix.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ix, nil
}

func parseRecord(line string) (Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return Record{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	if len(fields[0]) != 1 {
		return Record{}, fmt.Errorf("invalid status %q", fields[0])
	}
	rec := Record{
		Status:   Status(fields[0][0]),
		Filename: fields[4],
		Subject:  fields[5],
	}
	switch rec.Status {
	case StatusValid, StatusRevoked, StatusExpired:
	default:
		return Record{}, fmt.Errorf("invalid status %q", fields[0])
	}

	expiry, err := parseIndexTime(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("invalid expiry: %w", err)
	}
	rec.Expiry = expiry

	if fields[2] != "" {
		date, reason, _ := strings.Cut(fields[2], ",")
		if rec.RevokedAt, err = parseIndexTime(date); err != nil {
			return Record{}, fmt.Errorf("invalid revocation date: %w", err)
		}
		rec.Reason = reason
	}
	if rec.Status == StatusRevoked && rec.RevokedAt.IsZero() {
		return Record{}, fmt.Errorf("revoked row without revocation date")
	}

	serial, ok := new(big.Int).SetString(fields[3], 16)
	if !ok {
		return Record{}, fmt.Errorf("invalid serial %q", fields[3])
	}
	rec.Serial = serial

	if rec.Identity() == "" {
		return Record{}, fmt.Errorf("subject %q has no CN", rec.Subject)
	}
	return rec, nil
}

// Marshal encodes the index in the index.txt format
func (ix *Index) Marshal() []byte {
	var buf bytes.Buffer
	for _, rec := range ix.records {
		revocation := ""
		if !rec.RevokedAt.IsZero() {
			revocation = formatIndexTime(rec.RevokedAt)
			if rec.Reason != "" {
				revocation += "," + rec.Reason
			}
		}
		filename := rec.Filename
		if filename == "" {
			filename = "unknown"
		}
		fmt.Fprintf(&buf, "%c\t%s\t%s\t%s\t%s\t%s\n",
			rec.Status, formatIndexTime(rec.Expiry), revocation, rec.SerialHex(), filename, rec.Subject)
	}
	return buf.Bytes()
}

// Records returns a copy of all the rows in ledger order
func (ix *Index) Records() []Record {
	return append([]Record(nil), ix.records...)
}

// Issued returns the issued row for identity
func (ix *Index) Issued(identity string) (Record, bool) {
	i, ok := ix.issued[identity]
	if !ok {
		return Record{}, false
	}
	return ix.records[i], true
}

// History returns every row for identity in ledger order
func (ix *Index) History(identity string) []Record {
	var out []Record
	for _, rec := range ix.records {
		if rec.Identity() == identity {
			out = append(out, rec)
		}
	}
	return out
}

// Revoked returns all revoked rows in ledger order
func (ix *Index) Revoked() []Record {
	var out []Record
	for _, rec := range ix.records {
		if rec.Status == StatusRevoked {
			out = append(out, rec)
		}
	}
	return out
}

// IssuedIdentities returns the identities with an issued row, in ledger order
func (ix *Index) IssuedIdentities() []string {
	var out []string
	for _, rec := range ix.records {
		if rec.Status == StatusValid {
			out = append(out, rec.Identity())
		}
	}
	return out
}

// Append adds a new issued row. It fails with ErrConflict if the identity
// already has one.
func (ix *Index) Append(rec Record) error {
	if rec.Serial == nil {
		return fmt.Errorf("record has no serial")
	}
	id := rec.Identity()
	if id == "" {
		return fmt.Errorf("subject %q has no CN", rec.Subject)
	}
	if rec.Status == StatusValid {
		if _, ok := ix.issued[id]; ok {
			return fmt.Errorf("%w: %s", ErrConflict, id)
		}
		ix.issued[id] = len(ix.records)
	}
	ix.records = append(ix.records, rec)
	return nil
}

// Revoke marks the issued row of identity as revoked and returns it
func (ix *Index) Revoke(identity string, at time.Time, reason string) (Record, error) {
	i, ok := ix.issued[identity]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotIssued, identity)
	}
	ix.records[i].Status = StatusRevoked
	ix.records[i].RevokedAt = at.UTC()
	ix.records[i].Reason = reason
	delete(ix.issued, identity)
	return ix.records[i], nil
}

// Clone returns a deep copy of the index
func (ix *Index) Clone() *Index {
	out := NewIndex()
	for _, rec := range ix.records {
		if rec.Serial != nil {
			rec.Serial = new(big.Int).Set(rec.Serial)
		}
		out.records = append(out.records, rec)
	}
	for k, v := range ix.issued {
		out.issued[k] = v
	}
	return out
}

// SerialHex formats a serial as openssl does: upper case, even length
func SerialHex(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	s := strings.ToUpper(serial.Text(16))
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}

// SubjectFor returns the index subject for a client identity
func SubjectFor(identity string) string {
	return "/CN=" + identity
}

func commonName(subject string) string {
	for _, part := range strings.Split(subject, "/") {
		if v, ok := strings.CutPrefix(part, "CN="); ok {
			return v
		}
	}
	return ""
}

// openssl switches to GeneralizedTime from 2050 on
func formatIndexTime(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 2050 {
		return t.Format(generalizedTimeLayout)
	}
	return t.Format(utcTimeLayout)
}

func parseIndexTime(s string) (time.Time, error) {
	if len(s) == len(generalizedTimeLayout) {
		return time.Parse(generalizedTimeLayout, s)
	}
	return time.Parse(utcTimeLayout, s)
}
