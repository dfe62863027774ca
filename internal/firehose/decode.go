package firehose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/blackmichael/member-feed/internal/domain"
)

// frame is one decoded Jetstream message. Op is nil when the message carries
// nothing the feed cares about (other kinds, other collections, updates).
type frame struct {
	Position int64
	Kind     string
	Op       *domain.Operation
}

// decodeFrame parses a Jetstream message. On a DecodeError the returned
// frame still carries the position when it could be read, so the caller can
// advance past the bad record.
func decodeFrame(data []byte) (frame, error) {
	var event jetstreamEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return frame{}, &domain.DecodeError{Reason: "unmarshal event", Err: err}
	}

	f := frame{Position: event.TimeUS, Kind: event.Kind}
	if event.TimeUS <= 0 {
		return f, &domain.DecodeError{Reason: "missing time_us"}
	}
	if event.Kind != kindCommit {
		return f, nil
	}

	if len(event.Commit) == 0 {
		return f, &domain.DecodeError{Position: f.Position, Reason: "commit event without commit"}
	}
	var commit jetstreamCommit
	if err := json.Unmarshal(event.Commit, &commit); err != nil {
		return f, &domain.DecodeError{Position: f.Position, Reason: "unmarshal commit", Err: err}
	}
	if commit.Collection != domain.PostCollection {
		return f, nil
	}
	if !strings.HasPrefix(event.DID, "did:") {
		return f, &domain.DecodeError{Position: f.Position, Reason: "invalid did " + event.DID}
	}
	if commit.RKey == "" || strings.Contains(commit.RKey, "/") {
		return f, &domain.DecodeError{Position: f.Position, Reason: "invalid rkey " + commit.RKey}
	}

	op := &domain.Operation{
		Position: f.Position,
		URI:      domain.PostURI(event.DID, commit.Collection, commit.RKey),
		Author:   event.DID,
	}

	switch commit.Operation {
	case opCreate:
		if commit.CID == "" {
			return f, &domain.DecodeError{Position: f.Position, Reason: "create without cid"}
		}
		if err := validateRecord(commit.Record); err != nil {
			return f, &domain.DecodeError{Position: f.Position, Reason: "invalid post record", Err: err}
		}
		op.Kind = domain.OpCreate
		op.CID = commit.CID

	case opDelete:
		op.Kind = domain.OpDelete

	case opUpdate:
		// Indexed rows are immutable; edits keep the original entry.
		return f, nil

	default:
		return f, &domain.DecodeError{Position: f.Position, Reason: "unknown operation " + commit.Operation}
	}

	f.Op = op
	return f, nil
}

func validateRecord(raw json.RawMessage) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return errors.New("record body is missing")
	}
	var record postRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return err
	}
	if record.Type != "" && record.Type != domain.PostCollection {
		return fmt.Errorf("unexpected record type %q", record.Type)
	}
	return nil
}
