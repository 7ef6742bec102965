package state

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestList(t *testing.T, dir string) *ShoppingList {
	t.Helper()
	l, err := OpenShoppingList(dir)
	require.NoError(t, err)
	base := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	tick, seq := 0, 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }
	l.newID = func() string { seq++; return fmt.Sprintf("item-%d", seq) }
	return l
}

func TestShoppingList_AddAndSort(t *testing.T) {
	l := newTestList(t, t.TempDir())

	_, err := l.Add("   ")
	assert.ErrorIs(t, err, ErrEmptyText)

	milk, err := l.Add("  oat   milk ")
	require.NoError(t, err)
	assert.Equal(t, "oat milk", milk.Text)
	eggs, _ := l.Add("eggs")
	_, _ = l.Add("bread")
	apples, _ := l.Add("apples")

	assert.Equal(t, apples.ID, l.Items()[0].ID, "newest first")

	_, err = l.Toggle(eggs.ID)
	require.NoError(t, err)
	_, err = l.SetChecked(milk.ID, true)
	require.NoError(t, err)

	var got []string
	for _, it := range l.Sorted() {
		got = append(got, it.Text)
	}
	assert.Equal(t, []string{"apples", "bread", "eggs", "oat milk"}, got)

	unchecked, err := l.Toggle(eggs.ID)
	require.NoError(t, err)
	assert.False(t, unchecked.Checked)
	assert.Nil(t, unchecked.CheckedAt)
}

func TestShoppingList_Persists(t *testing.T) {
	dir := t.TempDir()
	l := newTestList(t, dir)
	a, _ := l.Add("coffee")
	b, _ := l.Add("tea")
	_, err := l.UpdateText(a.ID, "decaf  coffee")
	require.NoError(t, err)
	_, err = l.SetChecked(b.ID, true)
	require.NoError(t, err)

	reopened, err := OpenShoppingList(dir)
	require.NoError(t, err)
	items := reopened.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "tea", items[0].Text)
	assert.True(t, items[0].Checked)
	assert.Equal(t, "decaf coffee", items[1].Text)

	removed, err := reopened.ClearChecked()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, reopened.Remove(a.ID))
	assert.ErrorIs(t, reopened.Remove(a.ID), ErrItemNotFound)
	assert.Empty(t, reopened.Items())

	data, err := os.ReadFile(filepath.Join(dir, shoppingFile))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestShoppingList_DropsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	body := `[{"id":"1","text":"ok","checked":false,"created_at":"2024-01-01T00:00:00Z","checked_at":null},
	{"id":"","text":"no id","created_at":"2024-01-01T00:00:00Z"},
	{"id":"3","text":"no date"}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, shoppingFile), []byte(body), 0o600))

	l, err := OpenShoppingList(dir)
	require.NoError(t, err)
	require.Len(t, l.Items(), 1)
	assert.Equal(t, "ok", l.Items()[0].Text)

	require.NoError(t, os.WriteFile(filepath.Join(dir, shoppingFile), []byte("{"), 0o600))
	l, err = OpenShoppingList(dir)
	require.NoError(t, err)
	assert.Empty(t, l.Items())
}

func TestPreferences(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPreferences(dir)
	require.NoError(t, err)
	assert.Equal(t, ThemeLight, p.Theme())

	assert.ErrorIs(t, p.SetTheme("sepia"), ErrInvalidTheme)
	require.NoError(t, p.SetTheme(ThemeDark))

	again, err := OpenPreferences(dir)
	require.NoError(t, err)
	assert.Equal(t, ThemeDark, again.Theme())
}
