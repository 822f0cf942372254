package redisipc

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Status describes the lifecycle state of an Entry. An entry starts out
// pending and reaches exactly one of the terminal states through a reply.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// IsValid reports whether s is one of the enumerated statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusFulfilled, StatusRejected:
		return true
	}
	return false
}

// Wire field names of an entry on the stream. RedisID is the stream's native
// id and is never written as a field.
const (
	fieldID               = "id"
	fieldStatus           = "status"
	fieldContent          = "content"
	fieldSourceGroup      = "source_group"
	fieldDestinationGroup = "destination_group"
	fieldInstanceID       = "instance_id"
)

// Entry is one unit of communication on the stream, either a request or a
// reply. Entries are immutable values; Fulfilled and Rejected derive new
// entries instead of mutating the receiver.
type Entry struct {
	// ID is the 32-character hex correlation id, generated by the sender and
	// preserved across status transitions.
	ID string
	// RedisID is the stream-native id assigned on publish; used for ack,
	// claim and delete.
	RedisID string
	// Status is pending for requests and fulfilled/rejected for replies.
	Status Status
	// Content is the opaque user payload.
	Content string
	// SourceGroup is the publisher's group.
	SourceGroup string
	// DestinationGroup is the intended recipient group.
	DestinationGroup string
	// InstanceID is the publisher's per-process token. Replies carry it so
	// they route back to the requesting process when several processes share
	// one group name.
	InstanceID string
}

// newEntry builds an entry, generating a fresh id when none is supplied.
// Construction fails on a status outside the enumerated set.
func newEntry(id string, status Status, content, source, destination, instanceID string) (Entry, error) {
	if !status.IsValid() {
		return Entry{}, fmt.Errorf("redisipc: invalid entry status %q", status)
	}
	if id == "" {
		id = newEntryID()
	}
	return Entry{
		ID:               id,
		Status:           status,
		Content:          content,
		SourceGroup:      source,
		DestinationGroup: destination,
		InstanceID:       instanceID,
	}, nil
}

// newEntryID returns a 32-character lowercase hex token.
func newEntryID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// newInstanceID returns the short per-process token embedded in consumer
// names, availability keys and replies.
func newInstanceID() string {
	return newEntryID()[:12]
}

// Fulfilled derives the fulfilled reply to e: same id, source and destination
// swapped, content replaced. The receiver is unchanged and the reply has no
// RedisID until it is published.
func (e Entry) Fulfilled(content string) Entry {
	return e.reply(StatusFulfilled, content)
}

// Rejected derives the rejected reply to e, analogous to Fulfilled.
func (e Entry) Rejected(content string) Entry {
	return e.reply(StatusRejected, content)
}

func (e Entry) reply(status Status, content string) Entry {
	return Entry{
		ID:               e.ID,
		Status:           status,
		Content:          content,
		SourceGroup:      e.DestinationGroup,
		DestinationGroup: e.SourceGroup,
		InstanceID:       e.InstanceID,
	}
}

// Equal reports whether both entries describe the same logical message.
// Identity is the correlation id.
func (e Entry) Equal(other Entry) bool { return e.ID == other.ID }

// valid reports whether the entry carries the fields every consumer relies
// on. Entries failing this check are acked and deleted instead of processed.
func (e Entry) valid() bool {
	return e.ID != "" && e.Status.IsValid() && e.DestinationGroup != ""
}

// fields returns the XADD value map. RedisID is omitted (assigned by Redis),
// InstanceID only written when present.
func (e Entry) fields() map[string]interface{} {
	values := map[string]interface{}{
		fieldID:               e.ID,
		fieldStatus:           string(e.Status),
		fieldContent:          e.Content,
		fieldSourceGroup:      e.SourceGroup,
		fieldDestinationGroup: e.DestinationGroup,
	}
	if e.InstanceID != "" {
		values[fieldInstanceID] = e.InstanceID
	}
	return values
}

// entryFromMessage rebuilds an entry from a stream message. Parsing is
// lenient: missing or malformed fields yield an entry that fails valid(), so
// classification can purge it instead of the read path erroring out.
func entryFromMessage(msg redis.XMessage) Entry {
	return Entry{
		ID:               stringField(msg.Values, fieldID),
		RedisID:          msg.ID,
		Status:           Status(stringField(msg.Values, fieldStatus)),
		Content:          stringField(msg.Values, fieldContent),
		SourceGroup:      stringField(msg.Values, fieldSourceGroup),
		DestinationGroup: stringField(msg.Values, fieldDestinationGroup),
		InstanceID:       stringField(msg.Values, fieldInstanceID),
	}
}

func stringField(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
