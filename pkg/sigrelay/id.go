// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package sigrelay

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// MaxIDLength is the longest id an IDGenerator is asked for; the hex digits of a UUID.
const MaxIDLength = 32

// An IDGenerator produces connection ids.
// Ids need not be unique; the Registry retries on collision.
type IDGenerator interface {
	NextID(length int) string
}

// UUIDGenerator takes ids from the leading hex digits of random UUIDs.
type UUIDGenerator struct{}

// NextID returns the first length hex digits of a new random UUID.
func (UUIDGenerator) NextID(length int) string {
	if length < 1 {
		length = 1
	}
	if length > MaxIDLength {
		length = MaxIDLength
	}
	u := uuid.New()
	return hex.EncodeToString(u[:])[:length]
}
