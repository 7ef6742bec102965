package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appLog "currently/internal/log"
	"currently/internal/model"
)

const shoppingFile = "shopping_list.json"

var (
	ErrEmptyText    = errors.New("item text is empty")
	ErrItemNotFound = errors.New("item not found")
)

// ShoppingList is the persisted shopping list. Every mutation is saved
// before it returns.
type ShoppingList struct {
	mu    sync.Mutex
	path  string
	items []model.ShoppingListItem
	now   func() time.Time
	newID func() string
}

// OpenShoppingList loads the list stored under dataDir. Entries missing an
// id, text or creation time are dropped.
func OpenShoppingList(dataDir string) (*ShoppingList, error) {
	l := &ShoppingList{
		path:  filepath.Join(dataDir, shoppingFile),
		now:   time.Now,
		newID: uuid.NewString,
	}
	var raw []model.ShoppingListItem
	if err := readJSON(l.path, &raw); err != nil {
		// Corrupt file: start empty.
		appLog.Error("shopping list unreadable, starting empty", err, "path", l.path)
		raw = nil
	}
	for _, it := range raw {
		if it.ID == "" || it.Text == "" || it.CreatedAt.IsZero() {
			continue
		}
		l.items = append(l.items, it)
	}
	return l, nil
}

// Items returns the stored order: newest additions first.
func (l *ShoppingList) Items() []model.ShoppingListItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ShoppingListItem(nil), l.items...)
}

// Sorted puts unchecked items first, newest first, then checked items in
// the order they were checked.
func (l *ShoppingList) Sorted() []model.ShoppingListItem {
	out := l.Items()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Checked != b.Checked {
			return !a.Checked
		}
		if !a.Checked {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return checkedKey(a).Before(checkedKey(b))
	})
	return out
}

func checkedKey(it model.ShoppingListItem) time.Time {
	if it.CheckedAt != nil {
		return *it.CheckedAt
	}
	return it.CreatedAt
}

func (l *ShoppingList) Add(text string) (model.ShoppingListItem, error) {
	clean := cleanText(text)
	if clean == "" {
		return model.ShoppingListItem{}, ErrEmptyText
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	it := model.ShoppingListItem{ID: l.newID(), Text: clean, CreatedAt: l.now().UTC()}
	l.items = append([]model.ShoppingListItem{it}, l.items...)
	return it, l.saveLocked()
}

func (l *ShoppingList) Toggle(id string) (model.ShoppingListItem, error) {
	l.mu.Lock()
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return model.ShoppingListItem{}, ErrItemNotFound
	}
	checked := !l.items[i].Checked
	l.mu.Unlock()
	return l.SetChecked(id, checked)
}

// SetChecked stamps CheckedAt when checking and clears it otherwise.
func (l *ShoppingList) SetChecked(id string, checked bool) (model.ShoppingListItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return model.ShoppingListItem{}, ErrItemNotFound
	}
	l.items[i].Checked = checked
	l.items[i].CheckedAt = nil
	if checked {
		at := l.now().UTC()
		l.items[i].CheckedAt = &at
	}
	return l.items[i], l.saveLocked()
}

func (l *ShoppingList) UpdateText(id, text string) (model.ShoppingListItem, error) {
	clean := cleanText(text)
	if clean == "" {
		return model.ShoppingListItem{}, ErrEmptyText
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return model.ShoppingListItem{}, ErrItemNotFound
	}
	l.items[i].Text = clean
	return l.items[i], l.saveLocked()
}

func (l *ShoppingList) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexLocked(id)
	if i < 0 {
		return ErrItemNotFound
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return l.saveLocked()
}

// ClearChecked drops every checked item and reports how many went.
func (l *ShoppingList) ClearChecked() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0]
	for _, it := range l.items {
		if !it.Checked {
			kept = append(kept, it)
		}
	}
	removed := len(l.items) - len(kept)
	l.items = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, l.saveLocked()
}

func (l *ShoppingList) indexLocked(id string) int {
	for i, it := range l.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (l *ShoppingList) saveLocked() error {
	items := l.items
	if items == nil {
		items = []model.ShoppingListItem{}
	}
	if err := writeJSON(l.path, items); err != nil {
		return fmt.Errorf("save shopping list: %w", err)
	}
	return nil
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
