package nodeid

import "testing"

func TestCreateNodeIdDeterministic(t *testing.T) {
	a := CreateNodeId("mnt-1", "a/b.txt")
	b := CreateNodeId("mnt-1", "a/b.txt")
	if a != b {
		t.Fatalf("expected deterministic id, got %q != %q", a, b)
	}
}

func TestCreateNodeIdDistinctInputs(t *testing.T) {
	cases := []struct{ mountID, ref string }{
		{"mnt-1", "a/b.txt"},
		{"mnt-2", "a/b.txt"},
		{"mnt-1", "a/c.txt"},
		{"mnt-1", ""},
	}
	seen := make(map[string]string)
	for _, c := range cases {
		id := CreateNodeId(c.mountID, c.ref)
		key := c.mountID + "|" + c.ref
		for otherKey, otherID := range seen {
			if otherID == id && otherKey != key {
				t.Fatalf("collision between %q and %q: %q", key, otherKey, id)
			}
		}
		seen[key] = id
	}
}

func TestCreateNodeIdNotSortSensitiveOfCallSite(t *testing.T) {
	// createNodeId must not require any ordering of callers; calling
	// twice in reverse order yields the same pair of ids.
	id1a := CreateNodeId("m", "x")
	id2a := CreateNodeId("m", "y")
	id2b := CreateNodeId("m", "y")
	id1b := CreateNodeId("m", "x")
	if id1a != id1b || id2a != id2b {
		t.Fatalf("ids depend on call order")
	}
}

func TestCreateParentIdNilForRoot(t *testing.T) {
	if got := CreateParentId("m", nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	empty := ""
	if got := CreateParentId("m", &empty); got != nil {
		t.Fatalf("expected nil for empty parentSourceRef, got %v", got)
	}
}

func TestCreateParentIdMatchesCreateNodeId(t *testing.T) {
	ref := "sub"
	got := CreateParentId("m", &ref)
	want := CreateNodeId("m", ref)
	if got == nil || *got != want {
		t.Fatalf("expected %q, got %v", want, got)
	}
}

func TestDecodeNodeIdToUuidRoundTrips(t *testing.T) {
	id := CreateNodeId("m", "x")
	decoded, err := DecodeNodeIdToUuid(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != 36 {
		t.Fatalf("expected a 36-char dashed uuid, got %q (len %d)", decoded, len(decoded))
	}
}

func TestDecodeNodeIdToUuidRejectsGarbage(t *testing.T) {
	if _, err := DecodeNodeIdToUuid("not base64!!"); err == nil {
		t.Fatalf("expected an error for invalid base64")
	}
}
