// Package cursor implements the opaque pagination token codec:
// URL-safe base64 of a small JSON envelope tagged by mode, carrying
// either a local ordering boundary or a verbatim remote provider
// cursor.
package cursor

import (
	"encoding/base64"
	"encoding/json"

	"github.com/knowdisk/vfscore/cmn/cos"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Local is the boundary a local listing resumes from: the last row's
// (name, nodeId) under the (name ASC, nodeId ASC) ordering.
type Local struct {
	LastName   string `json:"lastName"`
	LastNodeID string `json:"lastNodeId"`
}

// Remote is a verbatim passthrough of a provider-supplied
// continuation token.
type Remote struct {
	ProviderCursor string `json:"providerCursor"`
}

type envelope struct {
	Mode           string `json:"mode"`
	LastName       string `json:"lastName,omitempty"`
	LastNodeID     string `json:"lastNodeId,omitempty"`
	ProviderCursor string `json:"providerCursor,omitempty"`
}

var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// EncodeLocal produces an opaque token for a local boundary.
func EncodeLocal(l Local) string {
	return encode(envelope{Mode: ModeLocal, LastName: l.LastName, LastNodeID: l.LastNodeID})
}

// EncodeRemote produces an opaque token wrapping a provider cursor.
func EncodeRemote(r Remote) string {
	return encode(envelope{Mode: ModeRemote, ProviderCursor: r.ProviderCursor})
}

func encode(e envelope) string {
	raw, err := json.Marshal(e)
	if err != nil {
		// envelope is a plain struct of strings; Marshal cannot fail.
		panic(err)
	}
	return b64.EncodeToString(raw)
}

// Decoded is the result of decoding an opaque token: exactly one of
// Local/Remote is non-nil, selected by Mode.
type Decoded struct {
	Mode   string
	Local  *Local
	Remote *Remote
}

// Decode parses an opaque token back into its typed payload. It fails
// with *cos.ErrMalformedCursor if the token is not base64, not JSON,
// names an unknown mode, or is missing the fields its mode requires.
func Decode(token string) (Decoded, error) {
	raw, err := b64.DecodeString(token)
	if err != nil {
		return Decoded{}, cos.NewErrMalformedCursor("not valid base64")
	}
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Decoded{}, cos.NewErrMalformedCursor("not valid JSON")
	}
	switch e.Mode {
	case ModeLocal:
		if e.LastNodeID == "" {
			return Decoded{}, cos.NewErrMalformedCursor("local cursor missing lastNodeId")
		}
		return Decoded{Mode: ModeLocal, Local: &Local{LastName: e.LastName, LastNodeID: e.LastNodeID}}, nil
	case ModeRemote:
		if e.ProviderCursor == "" {
			return Decoded{}, cos.NewErrMalformedCursor("remote cursor missing providerCursor")
		}
		return Decoded{Mode: ModeRemote, Remote: &Remote{ProviderCursor: e.ProviderCursor}}, nil
	default:
		return Decoded{}, cos.NewErrMalformedCursor("unknown mode " + e.Mode)
	}
}
