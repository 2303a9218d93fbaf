package model

import (
	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"
)

// NewJobID returns a random identifier that is safe to use in URLs and keys.
func NewJobID() JobID {
	id := uuid.New()
	return JobID(base58.Encode(id[:]))
}
