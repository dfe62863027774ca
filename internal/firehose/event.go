package firehose

import "encoding/json"

// kindCommit is the Jetstream event kind for repo commits. Identity and
// account events are counted and skipped.
const kindCommit = "commit"

// Jetstream commit operations.
const (
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
)

// jetstreamEvent is the raw JSON structure from Jetstream. The commit is
// decoded in a second step so a malformed commit still yields a position.
type jetstreamEvent struct {
	DID    string          `json:"did"`
	TimeUS int64           `json:"time_us"`
	Kind   string          `json:"kind"`
	Commit json.RawMessage `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream. The record body is
// kept raw; we only check that it is a well-formed post object.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// postRecord is the part of an app.bsky.feed.post record we validate.
type postRecord struct {
	Type      string `json:"$type"`
	CreatedAt string `json:"createdAt"`
}

