package domain

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// MembershipFilter is an immutable snapshot of the accounts whose posts are
// indexed. Reloading means building a new filter.
type MembershipFilter struct {
	members mapset.Set[string]
}

// NewMembershipFilter builds a filter from author DIDs. Blank entries are
// dropped. An empty filter accepts nothing.
func NewMembershipFilter(authors []string) *MembershipFilter {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, a := range authors {
		a = strings.TrimSpace(a)
		if a != "" {
			set.Add(a)
		}
	}
	return &MembershipFilter{members: set}
}

// IsMember reports whether author is in the set.
func (f *MembershipFilter) IsMember(author string) bool {
	if f == nil {
		return false
	}
	return f.members.Contains(author)
}

// Len returns the number of members.
func (f *MembershipFilter) Len() int {
	if f == nil {
		return 0
	}
	return f.members.Cardinality()
}

// Members returns the member DIDs in sorted order.
func (f *MembershipFilter) Members() []string {
	if f == nil {
		return nil
	}
	out := f.members.ToSlice()
	sort.Strings(out)
	return out
}
