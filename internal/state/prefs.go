package state

import (
	"errors"
	"path/filepath"
	"sync"
)

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"

	prefsFile = "preferences.json"
)

var ErrInvalidTheme = errors.New("theme must be light or dark")

// Preferences holds display settings. Anything other than "dark" on disk
// reads as light.
type Preferences struct {
	mu    sync.RWMutex
	path  string
	theme Theme
}

func OpenPreferences(dataDir string) (*Preferences, error) {
	p := &Preferences{path: filepath.Join(dataDir, prefsFile), theme: ThemeLight}
	var stored struct {
		Theme string `json:"theme"`
	}
	if err := readJSON(p.path, &stored); err != nil {
		return nil, err
	}
	if Theme(stored.Theme) == ThemeDark {
		p.theme = ThemeDark
	}
	return p, nil
}

func (p *Preferences) Theme() Theme {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.theme
}

func (p *Preferences) SetTheme(t Theme) error {
	if t != ThemeLight && t != ThemeDark {
		return ErrInvalidTheme
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.theme = t
	return writeJSON(p.path, map[string]Theme{"theme": t})
}
