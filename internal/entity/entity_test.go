package entity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestValidateRejectsBeforeMutation(t *testing.T) {
	testCases := []struct {
		name string
		args UpdateArgs
	}{
		{"unknown type", UpdateArgs{Type: "epic", ID: "1", VersionHash: hashA, FilePath: "a.md"}},
		{"unknown status", UpdateArgs{Type: TypeTop, ID: "1", Status: "done", VersionHash: hashA, FilePath: "a.md"}},
		{"empty id", UpdateArgs{Type: TypeTop, ID: "", VersionHash: hashA, FilePath: "a.md"}},
		{"path id", UpdateArgs{Type: TypeTop, ID: "../x", VersionHash: hashA, FilePath: "a.md"}},
		{"hidden id", UpdateArgs{Type: TypeTop, ID: ".tmp-1", VersionHash: hashA, FilePath: "a.md"}},
		{"missing hash", UpdateArgs{Type: TypeTop, ID: "1", FilePath: "a.md"}},
		{"missing file", UpdateArgs{Type: TypeTop, ID: "1", VersionHash: hashA}},
		{"top with parent", UpdateArgs{Type: TypeTop, ID: "1", ParentID: "0", VersionHash: hashA, FilePath: "a.md"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, changed, err := testCase.args.Apply(nil, "2026-01-01T00:00:00Z")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.False(t, changed)
		})
	}
}

func TestApplyCreatesDraftAndRequiresParent(t *testing.T) {
	created, changed, err := UpdateArgs{Type: TypeTop, ID: "1", VersionHash: hashA, FilePath: "acts/act-1/strategic-plan.md"}.Apply(nil, "t1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDraft, created.Status)
	assert.Equal(t, "t1", created.CreatedAt)
	assert.Empty(t, created.PreviousVersionHash)

	_, _, err = UpdateArgs{Type: TypeMid, ID: "1", VersionHash: hashA, FilePath: "plan.md"}.Apply(nil, "t1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApplyShiftsHashAndPreservesStatus(t *testing.T) {
	existing := Entity{
		Type: TypeMid, ID: "1", Status: StatusApproved, VersionHash: hashA,
		FilePath: "plan.md", ParentID: "1", CreatedAt: "t0", UpdatedAt: "t0",
	}

	next, changed, err := UpdateArgs{Type: TypeMid, ID: "1", VersionHash: hashB, FilePath: "plan.md"}.Apply(&existing, "t1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusApproved, next.Status)
	assert.Equal(t, hashA, next.PreviousVersionHash)
	assert.Equal(t, hashB, next.VersionHash)
	assert.Equal(t, "1", next.ParentID)
	assert.Equal(t, "t0", next.CreatedAt)
	assert.Equal(t, "t1", next.UpdatedAt)
}

func TestApplyIsIdempotent(t *testing.T) {
	args := UpdateArgs{
		Type: TypeLeaf, ID: "3", Status: StatusApproved, VersionHash: hashA,
		FilePath: "scene-3-blueprint.md", ParentID: "2", Metadata: map[string]any{"words": float64(1200)},
	}
	first, changed, err := args.Apply(nil, "t1")
	require.NoError(t, err)
	require.True(t, changed)

	second, changed, err := args.Apply(&first, "t2")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first, second)
}

func TestApplyStampsInvalidatedAtOnTransition(t *testing.T) {
	existing := Entity{Type: TypeTop, ID: "1", Status: StatusApproved, VersionHash: hashA, FilePath: "a.md", CreatedAt: "t0", UpdatedAt: "t0"}

	flagged, _, err := UpdateArgs{Type: TypeTop, ID: "1", Status: StatusRequiresRevalidation, VersionHash: hashA, FilePath: "a.md", InvalidationReason: "manual"}.Apply(&existing, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", flagged.InvalidatedAt)
	assert.Equal(t, "manual", flagged.InvalidationReason)

	again, changed, err := UpdateArgs{Type: TypeTop, ID: "1", Status: StatusRequiresRevalidation, VersionHash: hashA, FilePath: "a.md"}.Apply(&flagged, "t2")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "t1", again.InvalidatedAt)
	assert.Equal(t, "manual", again.InvalidationReason)

	approved, _, err := UpdateArgs{Type: TypeTop, ID: "1", Status: StatusApproved, VersionHash: hashA, FilePath: "a.md"}.Apply(&flagged, "t3")
	require.NoError(t, err)
	assert.Empty(t, approved.InvalidationReason)
	assert.Equal(t, "t1", approved.InvalidatedAt)
}

func TestInvalidIsTerminal(t *testing.T) {
	existing := Entity{Type: TypeTop, ID: "1", Status: StatusInvalid, VersionHash: hashA, FilePath: "a.md"}

	_, _, err := UpdateArgs{Type: TypeTop, ID: "1", Status: StatusApproved, VersionHash: hashA, FilePath: "a.md"}.Apply(&existing, "t1")
	assert.ErrorIs(t, err, ErrValidation)

	kept, _, err := UpdateArgs{Type: TypeTop, ID: "1", VersionHash: hashB, FilePath: "a.md"}.Apply(&existing, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, kept.Status)

	_, ok := Invalidate(existing, "parent_top_modified", "t1")
	assert.False(t, ok)
}

func TestAttachChildren(t *testing.T) {
	entities := []Entity{
		{Type: TypeTop, ID: "1"},
		{Type: TypeMid, ID: "1", ParentID: "1"},
		{Type: TypeMid, ID: "2", ParentID: "1"},
		{Type: TypeLeaf, ID: "b", ParentID: "2"},
		{Type: TypeLeaf, ID: "a", ParentID: "2"},
	}
	AttachChildren(entities)

	assert.Equal(t, []string{"1", "2"}, entities[0].Children)
	assert.Nil(t, entities[1].Children)
	assert.Equal(t, []string{"a", "b"}, entities[2].Children)
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	digest, err := HashFile(path)
	require.NoError(t, err)
	assert.Len(t, digest, 64)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
	assert.Equal(t, digest, HashBytes([]byte("hello")))

	_, err = HashFile(filepath.Join(t.TempDir(), "missing.md"))
	assert.ErrorIs(t, err, ErrNotFound)
}
