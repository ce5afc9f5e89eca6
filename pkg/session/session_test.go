package session

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var canonicalUUID = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func TestNewID_Canonical(t *testing.T) {
	seen := make(map[string]bool)
	for range 50 {
		id := NewID()
		assert.Regexp(t, canonicalUUID, id)
		assert.True(t, ValidID(id))
		assert.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "canonical", id: "3f2504e0-4f89-11d3-9a0c-0305e82c3301", want: true},
		{name: "upper case", id: "3F2504E0-4F89-11D3-9A0C-0305E82C3301", want: true},
		{name: "empty", id: "", want: false},
		{name: "dashless", id: "3f2504e04f8911d39a0c0305e82c3301", want: false},
		{name: "braced", id: "{3f2504e0-4f89-11d3-9a0c-0305e82c3301}", want: false},
		{name: "urn", id: "urn:uuid:3f2504e0-4f89-11d3-9a0c-0305e82c3301", want: false},
		{name: "non hex", id: "zf2504e0-4f89-11d3-9a0c-0305e82c3301", want: false},
		{name: "path", id: "../../../../etc/passwd-aaaaaaaaaaaaaaa", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidID(tt.id))
		})
	}
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindPrivate, ParseKind("private"))
	assert.Equal(t, KindPublic, ParseKind("public"))
	assert.Equal(t, KindPublic, ParseKind(""))
	assert.Equal(t, KindPublic, ParseKind("anything"))
}

func TestRecord_JSONShape(t *testing.T) {
	rec := NewRecord("sess-1", KindPublic, "conn-i")
	rec.AddFollower("conn-a", "alice")
	rec.AppendFile(ManifestEntry{FileName: "a.png", StorageToken: "42"})

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "public", raw["type"])
	assert.Equal(t, "conn-i", raw["initiator_connection_id"])
	assert.Equal(t, map[string]any{"conn-a": "alice"}, raw["followers"])
	assert.Contains(t, raw, "created_at")
	assert.NotContains(t, raw, "ID", "the id is the key, not part of the blob")
	assert.Equal(t, []any{map[string]any{"file_name": "a.png", "storage_token": "42"}}, raw["file_manifest"])
}

func TestRecord_PrivateOmitsManifest(t *testing.T) {
	data, err := json.Marshal(NewRecord("sess-1", KindPrivate, "conn-i"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "file_manifest")
}

func TestRecord_Clone(t *testing.T) {
	rec := NewRecord("sess-1", KindPublic, "conn-i")
	rec.AddFollower("conn-a", "alice")
	rec.AppendFile(ManifestEntry{FileName: "a.png", StorageToken: "1"})

	c := rec.Clone()
	c.AddFollower("conn-b", "bob")
	c.Manifest[0].FileName = "changed"

	assert.Len(t, rec.Followers, 1)
	assert.Equal(t, "a.png", rec.Manifest[0].FileName)
}

func TestRecord_RemoveFollower(t *testing.T) {
	rec := NewRecord("sess-1", KindPrivate, "conn-i")
	rec.AddFollower("conn-a", "alice")

	name, ok := rec.RemoveFollower("conn-a")
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = rec.RemoveFollower("conn-a")
	assert.False(t, ok)
	assert.Empty(t, rec.Followers)
}

func TestRecord_FollowerNamed(t *testing.T) {
	rec := NewRecord("sess-1", KindPrivate, "conn-i")
	rec.AddFollower("conn-c", "sam")
	rec.AddFollower("conn-a", "sam")
	rec.AddFollower("conn-b", "alex")

	for range 20 {
		id, ok := rec.FollowerNamed("sam")
		require.True(t, ok)
		assert.Equal(t, "conn-a", id, "lowest connection id wins")
	}

	_, ok := rec.FollowerNamed("nobody")
	assert.False(t, ok)
}
