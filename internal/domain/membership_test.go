package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMembershipFilter(t *testing.T) {
	f := NewMembershipFilter([]string{" did:plc:alice ", "did:plc:bob", "", "did:plc:alice"})

	assert.True(t, f.IsMember("did:plc:alice"))
	assert.True(t, f.IsMember("did:plc:bob"))
	assert.False(t, f.IsMember("did:plc:carol"))
	assert.False(t, f.IsMember(""))
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, f.Members())
}

func TestMembershipFilter_EmptyAcceptsNothing(t *testing.T) {
	f := NewMembershipFilter(nil)
	assert.False(t, f.IsMember("did:plc:alice"))
	assert.Equal(t, 0, f.Len())
	assert.Empty(t, f.Members())

	var nilFilter *MembershipFilter
	assert.False(t, nilFilter.IsMember("did:plc:alice"))
	assert.Equal(t, 0, nilFilter.Len())
	assert.Nil(t, nilFilter.Members())
}
