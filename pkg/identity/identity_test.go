package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	known  map[string]string
	linked map[string]string
}

func (f *fakeStore) KnownSenderNames(ctx context.Context) (map[string]string, error) {
	return f.known, nil
}

func (f *fakeStore) LinkAlias(ctx context.Context, channel, senderID, canonicalID string, confidence float64) error {
	if f.linked == nil {
		f.linked = map[string]string{}
	}
	f.linked[senderID] = canonicalID
	return nil
}

func TestResolveAlias_CloseNameLinks(t *testing.T) {
	fs := &fakeStore{known: map[string]string{"tg:100": "Jon Smith"}}
	r := NewResolver(fs, DefaultThreshold)

	canon, err := r.ResolveAlias(context.Background(), "whatsapp", "wa:200", "John Smith")
	require.NoError(t, err)
	assert.Equal(t, "tg:100", canon)
	assert.Equal(t, "tg:100", fs.linked["wa:200"])
}

func TestResolveAlias_DissimilarNameStaysOwnIdentity(t *testing.T) {
	fs := &fakeStore{known: map[string]string{"tg:100": "Alice Johnson"}}
	r := NewResolver(fs, DefaultThreshold)

	canon, err := r.ResolveAlias(context.Background(), "whatsapp", "wa:200", "Bob Williams")
	require.NoError(t, err)
	assert.Equal(t, "wa:200", canon)
	assert.Empty(t, fs.linked)
}
