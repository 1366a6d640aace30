package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/platform"
)

// CharacteristicResponse describes one characteristic and its cached value.
type CharacteristicResponse struct {
	accessory.Spec
	Value int `json:"value"`
}

// AccessoryResponse is the JSON form of an accessory.
type AccessoryResponse struct {
	Key             string                   `json:"key"`
	Kind            string                   `json:"kind"`
	ID              int                      `json:"id"`
	Name            string                   `json:"name"`
	UUID            string                   `json:"uuid"`
	Characteristics []CharacteristicResponse `json:"characteristics"`
}

// SetCharacteristicRequest is the body of a characteristic write.
type SetCharacteristicRequest struct {
	Value *int `json:"value"`
}

// SetCharacteristicResponse reports the outcome of a write.
type SetCharacteristicResponse struct {
	Accessory      string `json:"accessory"`
	Characteristic string `json:"characteristic"`
	Value          int    `json:"value"`
	Changed        bool   `json:"changed"`
}

// HistoryResponse pages characteristic history for one accessory.
type HistoryResponse struct {
	Accessory string          `json:"accessory"`
	Entries   []history.Entry `json:"entries"`
	Count     int             `json:"count"`
}

func newAccessoryResponse(acc accessory.Accessory) AccessoryResponse {
	info := acc.Info()
	snap := acc.Snapshot()
	specs := acc.Characteristics()

	chars := make([]CharacteristicResponse, 0, len(specs))
	for _, spec := range specs {
		chars = append(chars, CharacteristicResponse{Spec: spec, Value: snap[spec.Name]})
	}
	return AccessoryResponse{
		Key:             info.Key(),
		Kind:            string(info.Kind),
		ID:              info.ID,
		Name:            info.Name,
		UUID:            info.UUID,
		Characteristics: chars,
	}
}

// handleListAccessories returns every configured accessory.
func (s *Server) handleListAccessories(w http.ResponseWriter, _ *http.Request) {
	accs := s.platform.Accessories()
	out := make([]AccessoryResponse, 0, len(accs))
	for _, acc := range accs {
		out = append(out, newAccessoryResponse(acc))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessories": out,
		"count":       len(out),
	})
}

// handleGetAccessory returns a single accessory.
func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := accessoryParams(w, r)
	if !ok {
		return
	}
	acc, err := s.platform.Accessory(kind, id)
	if err != nil {
		s.writeAccessoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccessoryResponse(acc))
}

// handleGetCharacteristic returns the cached value of a characteristic.
// The processor is asked for a fresh value in the background.
func (s *Server) handleGetCharacteristic(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := accessoryParams(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	value, err := s.platform.Get(r.Context(), kind, id, name)
	if err != nil {
		s.writeAccessoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessory":      kind + ":" + strconv.Itoa(id),
		"characteristic": name,
		"value":          value,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSetCharacteristic writes a characteristic.
func (s *Server) handleSetCharacteristic(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := accessoryParams(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var req SetCharacteristicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	caller := "anonymous"
	if claims := claimsFromContext(r.Context()); claims != nil {
		caller = claims.Subject
	}

	changed, err := s.platform.Set(platform.WithActor(r.Context(), caller), kind, id, name, *req.Value)
	if err != nil {
		s.writeAccessoryError(w, err)
		return
	}

	s.logger.Info("characteristic written via API",
		"accessory", kind+":"+strconv.Itoa(id),
		"characteristic", name,
		"value", *req.Value,
		"changed", changed,
		"caller", caller,
	)

	writeJSON(w, http.StatusOK, SetCharacteristicResponse{
		Accessory:      kind + ":" + strconv.Itoa(id),
		Characteristic: name,
		Value:          *req.Value,
		Changed:        changed,
	})
}

// handleGetHistory returns recent characteristic changes, newest first.
// Query parameters: characteristic (optional filter), limit (default 50, max 200).
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := accessoryParams(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeServiceUnavailable(w, "history is not available")
		return
	}
	acc, err := s.platform.Accessory(kind, id)
	if err != nil {
		s.writeAccessoryError(w, err)
		return
	}

	limit, ok := intParam(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}

	key := acc.Info().Key()
	entries, err := s.history.GetHistory(r.Context(), key, r.URL.Query().Get("characteristic"), limit)
	if err != nil {
		s.logger.Error("history query failed", "accessory", key, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Accessory: key, Entries: entries, Count: len(entries)})
}

// accessoryParams extracts {kind} and {id}, writing a 400 on a bad id.
func accessoryParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	kind := chi.URLParam(r, "kind")
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "accessory id must be an integer")
		return "", 0, false
	}
	return kind, id, true
}

// writeAccessoryError maps platform and accessory errors to HTTP responses.
func (s *Server) writeAccessoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, platform.ErrUnknownAccessory),
		errors.Is(err, accessory.ErrUnknownCharacteristic):
		writeNotFound(w, err.Error())
	case errors.Is(err, accessory.ErrReadOnly),
		errors.Is(err, accessory.ErrOutOfRange):
		writeValidationError(w, err.Error())
	default:
		s.logger.Error("accessory operation failed", "error", err)
		writeInternalError(w, "accessory operation failed")
	}
}
