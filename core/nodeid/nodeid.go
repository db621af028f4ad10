// Package nodeid implements the deterministic node identifier codec:
// a pure function of (mountId, sourceRef) producing a UUIDv4-shaped,
// URL-safe base64-encoded string.
package nodeid

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// CreateNodeId derives a node's id from its mount and provider-side
// reference. The derivation is a pure SHA-256 hash, not a random
// UUID: the same (mountId, sourceRef) pair always yields the same id,
// in this process or any other.
func CreateNodeId(mountID, sourceRef string) string {
	seed := "node:" + mountID + ":" + sourceRef
	digest := sha256.Sum256([]byte(seed))

	var u uuid.UUID
	copy(u[:], digest[:16])
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant

	return encodeDashedHex(u.String())
}

// CreateParentId returns the deterministic id of a node's parent, or
// nil when parentSourceRef is nil/empty (the mount-root case).
func CreateParentId(mountID string, parentSourceRef *string) *string {
	if parentSourceRef == nil || *parentSourceRef == "" {
		return nil
	}
	id := CreateNodeId(mountID, *parentSourceRef)
	return &id
}

// DecodeNodeIdToUuid reverses the base64 layer only, returning the
// canonical dashed-hex UUID form for debugging. It is NOT reversible
// to (mountId, sourceRef) — the hash step is one-way by design.
func DecodeNodeIdToUuid(nodeID string) (string, error) {
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(nodeID)
	if err != nil {
		return "", fmt.Errorf("node id %q is not valid base64: %w", nodeID, err)
	}
	return string(raw), nil
}

func encodeDashedHex(dashedHex string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(dashedHex))
}
