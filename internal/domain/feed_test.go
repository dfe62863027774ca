package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 9, 1, 12, 30, 0, 123456000, time.UTC)
	c := PageCursor{IndexedAt: ts, URI: "at://did:plc:alice/app.bsky.feed.post/3k"}

	s := c.String()
	assert.Equal(t, "1725193800123456::at://did:plc:alice/app.bsky.feed.post/3k", s)

	parsed, err := ParseCursor(s)
	require.NoError(t, err)
	assert.True(t, parsed.IndexedAt.Equal(ts))
	assert.Equal(t, c.URI, parsed.URI)
}

func TestParseCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"no separator", "1725193800123456"},
		{"empty uri", "1725193800123456::"},
		{"bad timestamp", "yesterday::at://did:plc:alice/app.bsky.feed.post/3k"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCursor(tt.cursor)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))

			var invalid *InvalidRequestError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, "cursor", invalid.Field)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("database is locked")
	err := &StorageError{Op: "insert", Kind: ErrStorageUnavailable, Err: cause}
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrStorageCorruption)

	dec := &DecodeError{Position: 7, Reason: "bad json", Err: cause}
	assert.ErrorIs(t, dec, ErrDecode)
	assert.ErrorIs(t, dec, cause)
	assert.Equal(t, "decode at 7: bad json: database is locked", dec.Error())

	nf := &NotFoundError{Resource: "posts", Missing: []string{"at://a", "at://b"}}
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.Equal(t, "posts not found: at://a, at://b", nf.Error())
}
