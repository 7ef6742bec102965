package web

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	appLog "currently/internal/log"
	"currently/internal/state"
)

func writeStateError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, state.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, state.ErrEmptyText), errors.Is(err, state.ErrInvalidTheme):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("state write failed", err, "op", op)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleListShopping returns the list in display order: open items newest
// first, then checked items in the order they were checked.
func (s *Server) handleListShopping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Shopping.Sorted())
}

func (s *Server) handleAddShopping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	it, err := s.deps.Shopping.Add(body.Text)
	if err != nil {
		writeStateError(w, "add item", err)
		return
	}
	s.changed("shopping")
	writeJSON(w, http.StatusCreated, it)
}

// handleUpdateShopping patches text and/or the checked flag.
func (s *Server) handleUpdateShopping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text    *string `json:"text"`
		Checked *bool   `json:"checked"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Text == nil && body.Checked == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	id := mux.Vars(r)["id"]
	var err error
	if body.Text != nil {
		if _, err = s.deps.Shopping.UpdateText(id, *body.Text); err != nil {
			writeStateError(w, "update item", err)
			return
		}
	}
	if body.Checked != nil {
		if _, err = s.deps.Shopping.SetChecked(id, *body.Checked); err != nil {
			writeStateError(w, "check item", err)
			return
		}
	}
	for _, it := range s.deps.Shopping.Items() {
		if it.ID == id {
			s.changed("shopping")
			writeJSON(w, http.StatusOK, it)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleToggleShopping(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Shopping.Toggle(mux.Vars(r)["id"])
	if err != nil {
		writeStateError(w, "toggle item", err)
		return
	}
	s.changed("shopping")
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleRemoveShopping(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Shopping.Remove(mux.Vars(r)["id"]); err != nil {
		writeStateError(w, "remove item", err)
		return
	}
	s.changed("shopping")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearChecked(w http.ResponseWriter, _ *http.Request) {
	n, err := s.deps.Shopping.ClearChecked()
	if err != nil {
		writeStateError(w, "clear checked", err)
		return
	}
	if n > 0 {
		s.changed("shopping")
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleGetTheme(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]state.Theme{"theme": s.deps.Prefs.Theme()})
}

func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Theme state.Theme `json:"theme"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.deps.Prefs.SetTheme(body.Theme); err != nil {
		writeStateError(w, "set theme", err)
		return
	}
	s.changed("preferences")
	writeJSON(w, http.StatusOK, map[string]state.Theme{"theme": body.Theme})
}
