package tree

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func names(list []*Element) []string {
	out := make([]string, 0, len(list))
	for _, el := range list {
		out = append(out, el.Name)
	}
	return out
}

func TestChapterScenario(t *testing.T) {
	later := t0.Add(time.Hour)
	f := New().WithClock(fixedClock(later))

	require.NoError(t, f.Insert("", NewFolder("f1", "Chapter 1", t0)))
	require.NoError(t, f.Insert("f1", NewFile("x1", "scene1.txt", t0)))
	require.NoError(t, f.UpdateContent("x1", "Once upon a time..."))
	require.NoError(t, f.Rename("f1", "Chapter One"))

	require.Len(t, f.Roots, 1)
	root := f.Roots[0]
	assert.Equal(t, "Chapter One", root.Name)
	assert.Equal(t, KindFolder, root.Kind)
	assert.Equal(t, later, root.UpdatedAt)
	require.Len(t, root.Children, 1)
	file := root.Children[0]
	assert.Equal(t, "scene1.txt", file.Name)
	assert.Equal(t, "Once upon a time...", file.Content)
	assert.Equal(t, later, file.UpdatedAt)
}

func TestInsertAppendsToNestedFolder(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("a", "A", t0)))
	require.NoError(t, f.Insert("a", NewFolder("b", "B", t0)))
	require.NoError(t, f.Insert("b", NewFile("c1", "one.txt", t0)))
	require.NoError(t, f.Insert("b", NewFile("c2", "a.txt", t0)))

	b, ok := f.Find("b")
	require.True(t, ok)
	require.Len(t, b.Children, 2)
	assert.Equal(t, "a.txt", b.Children[len(b.Children)-1].Name)
	assert.Equal(t, KindFile, b.Children[1].Kind)
}

func TestInsertAtRootPreservesOrder(t *testing.T) {
	f := New()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, f.Insert("", NewFolder(id, id, t0)))
	}
	assert.Equal(t, []string{"r1", "r2", "r3"}, names(f.Roots))
}

func TestInsertFailuresLeaveForestUnchanged(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("a", "A", t0)))
	require.NoError(t, f.Insert("a", NewFile("x", "x.txt", t0)))
	before := f.Clone()

	err := f.Insert("missing", NewFile("y", "y.txt", t0))
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.Insert("x", NewFile("y", "y.txt", t0))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	err = f.Insert("", NewFile("x", "dup.txt", t0))
	assert.ErrorIs(t, err, ErrDuplicateID)

	err = f.Insert("", nil)
	assert.ErrorIs(t, err, ErrInvalidElement)

	assert.Equal(t, before.Roots, f.Roots)
}

func TestUniquenessPreservedAcrossInserts(t *testing.T) {
	f := New()
	parents := []string{""}
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("n%d", i)
		parent := parents[i%len(parents)]
		require.NoError(t, f.Insert(parent, NewFolder(id, id, t0)))
		parents = append(parents, id)
	}
	require.NoError(t, f.Validate())
	assert.Equal(t, 50, f.Len())
}

func TestRenameUnknownIsNoop(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("a", "A", t0)))
	before := f.Clone()

	err := f.Rename("does-not-exist", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before.Roots, f.Roots)
}

func TestRenameDoesNotTouchSiblingsOrAncestors(t *testing.T) {
	f := New().WithClock(fixedClock(t0.Add(time.Minute)))
	require.NoError(t, f.Insert("", NewFolder("p", "Parent", t0)))
	require.NoError(t, f.Insert("p", NewFile("s1", "left", t0)))
	require.NoError(t, f.Insert("p", NewFile("x", "target", t0)))
	require.NoError(t, f.Insert("p", NewFile("s2", "right", t0)))

	require.NoError(t, f.Rename("x", "renamed"))

	p, _ := f.Find("p")
	assert.Equal(t, "Parent", p.Name)
	assert.Equal(t, t0, p.UpdatedAt)
	for _, id := range []string{"s1", "s2"} {
		sib, _ := f.Find(id)
		assert.Equal(t, t0, sib.UpdatedAt)
	}
	assert.Equal(t, []string{"left", "renamed", "right"}, names(p.Children))
}

func TestUpdateContentRejectsFolders(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("a", "A", t0)))

	assert.ErrorIs(t, f.UpdateContent("a", "text"), ErrTypeMismatch)
	assert.ErrorIs(t, f.UpdateContent("nope", "text"), ErrNotFound)

	a, _ := f.Find("a")
	assert.Empty(t, a.Content)
}

func TestDeleteRemovesWholeSubtree(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("A", "A", t0)))
	require.NoError(t, f.Insert("A", NewFolder("B", "B", t0)))
	require.NoError(t, f.Insert("B", NewFile("C", "C", t0)))

	require.NoError(t, f.DeleteAt("A", ""))

	for _, id := range []string{"A", "B", "C"} {
		_, ok := f.Find(id)
		assert.False(t, ok, id)
		assert.ErrorIs(t, f.Rename(id, "x"), ErrNotFound)
	}
	assert.Empty(t, f.Roots)
}

func TestDeletePreservesSiblingOrder(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("p", "p", t0)))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.Insert("p", NewFile(id, id, t0)))
	}

	require.NoError(t, f.Delete("b"))

	p, _ := f.Find("p")
	assert.Equal(t, []string{"a", "c"}, names(p.Children))
	assert.ErrorIs(t, f.Delete("b"), ErrNotFound)
}

func TestDeleteAtRequiresDirectParent(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("p", "p", t0)))
	require.NoError(t, f.Insert("p", NewFolder("q", "q", t0)))
	require.NoError(t, f.Insert("q", NewFile("x", "x", t0)))
	before := f.Clone()

	assert.ErrorIs(t, f.DeleteAt("x", "p"), ErrNotFound)
	assert.ErrorIs(t, f.DeleteAt("x", ""), ErrNotFound)
	assert.ErrorIs(t, f.DeleteAt("x", "x"), ErrTypeMismatch)
	assert.Equal(t, before.Roots, f.Roots)

	require.NoError(t, f.DeleteAt("x", "q"))
	_, ok := f.Find("x")
	assert.False(t, ok)
}

func TestParentOf(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("p", "p", t0)))
	require.NoError(t, f.Insert("p", NewFile("x", "x", t0)))

	parent, ok := f.ParentOf("x")
	require.True(t, ok)
	assert.Equal(t, "p", parent)

	parent, ok = f.ParentOf("p")
	require.True(t, ok)
	assert.Equal(t, "", parent)

	_, ok = f.ParentOf("zz")
	assert.False(t, ok)
}

func TestCloneIsDeep(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("p", "p", t0)))
	require.NoError(t, f.Insert("p", NewFile("x", "x", t0)))

	c := f.Clone()
	require.NoError(t, c.Rename("x", "changed"))

	orig, _ := f.Find("x")
	assert.Equal(t, "x", orig.Name)
}

func TestJSONShape(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("f1", "Chapter 1", t0)))
	require.NoError(t, f.Insert("f1", NewFile("x1", "scene1.txt", t0)))

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "folder", raw[0]["type"])
	children := raw[0]["children"].([]any)
	assert.Equal(t, "file", children[0].(map[string]any)["type"])

	_, hasChildren := children[0].(map[string]any)["children"]
	assert.False(t, hasChildren, "files carry no children key")

	empty, err := json.Marshal(New())
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(empty))
}

func TestEmptyFolderSerialisesChildren(t *testing.T) {
	f := New()
	require.NoError(t, f.Insert("", NewFolder("f1", "Chapter 1", t0)))
	f.Roots = append(f.Roots, &Element{ID: "f2", Kind: KindFolder, Name: "Decoded", CreatedAt: t0, UpdatedAt: t0})

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	for _, folder := range raw {
		children, ok := folder["children"].([]any)
		require.True(t, ok, "folder %v has no children list", folder["id"])
		assert.Empty(t, children)
	}
}

func TestUnmarshalRejectsDuplicateIDs(t *testing.T) {
	payload := `[
		{"id":"a","type":"folder","name":"A","children":[{"id":"b","type":"file","name":"B"}]},
		{"id":"b","type":"file","name":"again"}
	]`
	var f Forest
	err := json.Unmarshal([]byte(payload), &f)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestWalkStopsEarly(t *testing.T) {
	f := New()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.Insert("", NewFile(id, id, t0)))
	}
	var visited []string
	f.Walk(func(el *Element, _ int) bool {
		visited = append(visited, el.ID)
		return el.ID != "b"
	})
	assert.Equal(t, []string{"a", "b"}, visited)
}
