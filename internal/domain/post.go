package domain

import "time"

// PostCollection is the AT Proto collection NSID of posts.
const PostCollection = "app.bsky.feed.post"

// IndexedPost is a post accepted into the feed and stored in the database.
type IndexedPost struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record, opaque to us.
	CID string

	// Creator is the DID of the post's author.
	Creator string

	// IndexedAt is when we accepted the post, not when it was authored.
	IndexedAt time.Time
}

// OpKind tags an Operation.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is one decoded create or delete from the upstream stream. URI
// and Author are always set; CID is set only for creates.
type Operation struct {
	Kind     OpKind
	Position int64
	URI      string
	Author   string
	CID      string
}

// Batch is a run of operations that is applied to the store in a single
// transaction. Position is the stream position of the last frame consumed
// into the batch, including frames that produced no operation.
type Batch struct {
	Ops      []Operation
	Position int64
}

// BatchResult summarises how a batch was applied.
type BatchResult struct {
	Accepted int // creates that passed the membership filter
	Rejected int // creates from non-members
	Inserted int64
	Deleted  int
}

// PostURI builds the AT-URI for a record in a repo.
func PostURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}
