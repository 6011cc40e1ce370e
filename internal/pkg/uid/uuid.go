package uid

import "github.com/google/uuid"

// UUID yields version 7 UUIDs. Their leading 48 bits are a millisecond
// timestamp, so message and job IDs sort by creation time in logs and
// dead-letter stores.
type UUID struct{}

var _ StringID = (*UUID)(nil)

func NewUUID() *UUID { return &UUID{} }

// Generate falls back to a random v4 when the v7 clock sequence fails.
func (*UUID) Generate() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// IsUUID reports whether s is a non-nil UUID in canonical form.
func IsUUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && len(s) == 36 && id != uuid.Nil
}
