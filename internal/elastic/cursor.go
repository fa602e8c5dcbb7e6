package elastic

import (
	"encoding/base64"
	"encoding/json"

	"dshield-mcp-go/internal/mcperr"
)

// Cursor is the opaque search-after token handed to clients. The
// fingerprint binds it to the query it came from; presenting it with
// different parameters is rejected rather than silently producing a
// wrong page.
type Cursor struct {
	SortField     string      `json:"sf"`
	SortOrder     SortOrder   `json:"so"`
	LastSortValue interface{} `json:"lv"`
	TiebreakID    string      `json:"tid"`
	PageSize      int         `json:"ps"`
	Fingerprint   string      `json:"fp"`
}

// Encode serializes the cursor to its opaque wire form.
func (c Cursor) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", mcperr.Wrap(mcperr.KindInternal, err, "failed to encode cursor")
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses an opaque cursor token. A token that does not
// decode is indistinguishable from one minted for a different query
// (tampering corrupts the base64 long before it corrupts the
// fingerprint), so both surface as cursor_mismatch. Fingerprint checks
// happen at the query layer where the current query is known.
func DecodeCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, mcperr.Wrap(mcperr.KindValidation, err, "cursor does not match the supplied query parameters").
			WithData(map[string]interface{}{"reason": "cursor_mismatch"})
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, mcperr.Wrap(mcperr.KindValidation, err, "cursor does not match the supplied query parameters").
			WithData(map[string]interface{}{"reason": "cursor_mismatch"})
	}
	if c.TiebreakID == "" || c.Fingerprint == "" {
		return Cursor{}, mcperr.New(mcperr.KindValidation, "cursor does not match the supplied query parameters").
			WithData(map[string]interface{}{"reason": "cursor_mismatch"})
	}
	return c, nil
}

// CheckFingerprint rejects a cursor presented with query parameters that
// differ from the ones it was minted for.
func (c Cursor) CheckFingerprint(expected string) error {
	if c.Fingerprint != expected {
		return mcperr.New(mcperr.KindValidation, "cursor does not match the supplied query parameters").
			WithData(map[string]interface{}{"reason": "cursor_mismatch"})
	}
	return nil
}

// searchAfter renders the cursor position as an ES search_after array
// matching the sort spec (primary key, then _id).
func (c Cursor) searchAfter() []interface{} {
	return []interface{}{c.LastSortValue, c.TiebreakID}
}

// cursorFromHit mints the continuation cursor after the last hit of a
// page.
func cursorFromHit(hit searchHit, srt Sort, pageSize int, fingerprint string) Cursor {
	var lastSort interface{}
	if len(hit.Sort) > 0 {
		lastSort = hit.Sort[0]
	}
	return Cursor{
		SortField:     srt.Field,
		SortOrder:     srt.Order,
		LastSortValue: lastSort,
		TiebreakID:    hit.ID,
		PageSize:      pageSize,
		Fingerprint:   fingerprint,
	}
}
