package authority

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleIndex = "V\t340615120000Z\t\t01\tunknown\t/CN=server\n" +
	"R\t340615120000Z\t240701090000Z,superseded\t02\tunknown\t/CN=alice\n" +
	"V\t340615120000Z\t\t03\tunknown\t/CN=alice\n" +
	"V\t20510101000000Z\t\t0A\tunknown\t/CN=bob\n"

func TestParseIndex(t *testing.T) {
	ix, err := ParseIndex([]byte(sampleIndex))
	require.NoError(t, err)

	records := ix.Records()
	require.Len(t, records, 4)
	assert.Equal(t, StatusValid, records[0].Status)
	assert.Equal(t, "server", records[0].Identity())
	assert.Equal(t, StatusRevoked, records[1].Status)
	assert.Equal(t, ReasonSuperseded, records[1].Reason)
	assert.Equal(t, time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC), records[1].RevokedAt)
	assert.Equal(t, 2051, records[3].Expiry.Year())

	alice, ok := ix.Issued("alice")
	require.True(t, ok)
	assert.Equal(t, "03", alice.SerialHex())
	assert.Len(t, ix.History("alice"), 2)
	assert.Equal(t, []string{"server", "alice", "bob"}, ix.IssuedIdentities())
}

func TestIndexMarshalPreservesLayout(t *testing.T) {
	ix, err := ParseIndex([]byte(sampleIndex))
	require.NoError(t, err)
	assert.Equal(t, sampleIndex, string(ix.Marshal()))
}

func TestParseIndexRejectsDuplicateIssued(t *testing.T) {
	data := "V\t340615120000Z\t\t01\tunknown\t/CN=alice\n" +
		"V\t340615120000Z\t\t02\tunknown\t/CN=alice\n"
	_, err := ParseIndex([]byte(data))
	assert.ErrorIs(t, err, ErrCorruptIndex)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "alice has more than one issued certificate")
}

func TestParseIndexErrors(t *testing.T) {
	for name, line := range map[string]string{
		"fields":     "V\t340615120000Z\t01\tunknown\t/CN=a",
		"status":     "X\t340615120000Z\t\t01\tunknown\t/CN=a",
		"expiry":     "V\tnever\t\t01\tunknown\t/CN=a",
		"serial":     "V\t340615120000Z\t\tZZ\tunknown\t/CN=a",
		"no cn":      "V\t340615120000Z\t\t01\tunknown\t/O=acme",
		"no revdate": "R\t340615120000Z\t\t01\tunknown\t/CN=a",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIndex([]byte(line + "\n"))
			assert.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}

func TestIndexAppendAndRevoke(t *testing.T) {
	ix := NewIndex()
	rec := Record{
		Status:  StatusValid,
		Expiry:  time.Now().Add(time.Hour),
		Serial:  big.NewInt(5),
		Subject: SubjectFor("carol"),
	}
	require.NoError(t, ix.Append(rec))

	rec.Serial = big.NewInt(6)
	assert.ErrorIs(t, ix.Append(rec), ErrConflict)

	snapshot := ix.Clone()

	revoked, err := ix.Revoke("carol", time.Now(), ReasonUnspecified)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.Equal(t, "05", revoked.SerialHex())

	_, err = ix.Revoke("carol", time.Now(), ReasonUnspecified)
	assert.ErrorIs(t, err, ErrNotIssued)

	// the identity can be issued again once revoked
	require.NoError(t, ix.Append(rec))
	assert.Len(t, ix.Revoked(), 1)

	_, ok := snapshot.Issued("carol")
	assert.True(t, ok, "clone must not observe later mutations")
}

func TestSerialHex(t *testing.T) {
	assert.Equal(t, "01", SerialHex(big.NewInt(1)))
	assert.Equal(t, "0A", SerialHex(big.NewInt(10)))
	assert.Equal(t, "01F4", SerialHex(big.NewInt(500)))
}

func TestValidateIdentity(t *testing.T) {
	for _, id := range []string{"alice", "bob-laptop", "c_3", "dave.phone"} {
		assert.NoError(t, ValidateIdentity(id), id)
	}
	for _, id := range []string{"", "-alice", "a/b", "a\tb", "a b", "CN=x", "x..y", "x.", "ca", "CA",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} {
		assert.ErrorIs(t, ValidateIdentity(id), ErrInvalidIdentity, id)
	}
}
