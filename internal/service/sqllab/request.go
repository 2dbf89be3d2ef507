package sqllab

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"sqllab/internal/domain"
)

// Request is the parsed, immutable form of an execute submission.
type Request struct {
	DatabaseID     int64
	SQL            string
	Schema         string
	TemplateParams map[string]any
	RunAsync       bool
	// QueryLimit <= 0 means unlimited.
	QueryLimit   int
	SelectAsCTA  bool
	CtasMethod   domain.CtasMethod
	TmpTableName string
	ClientID     string
	SQLEditorID  string
	TabName      string
	ExpandData   bool
	UserID       int64
}

type requestBody struct {
	DatabaseID     json.RawMessage `json:"database_id"`
	SQL            string          `json:"sql"`
	Schema         string          `json:"schema"`
	TemplateParams json.RawMessage `json:"templateParams"`
	RunAsync       bool            `json:"runAsync"`
	QueryLimit     json.RawMessage `json:"queryLimit"`
	SelectAsCTA    bool            `json:"select_as_cta"`
	CtasMethod     string          `json:"ctas_method"`
	TmpTableName   string          `json:"tmp_table_name"`
	ClientID       string          `json:"client_id"`
	SQLEditorID    string          `json:"sql_editor_id"`
	Tab            string          `json:"tab"`
	ExpandData     bool            `json:"expand_data"`
}

// ParseRequest decodes an execute request body for userID. A missing
// client_id is replaced by a generated short id.
func ParseRequest(body []byte, userID int64) (Request, error) {
	var raw requestBody
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Request{}, domain.ErrInvalidRequest("Request body is not valid JSON: %v", err)
	}

	dbID, err := parseInt(raw.DatabaseID)
	if err != nil || dbID <= 0 {
		return Request{}, domain.ErrInvalidRequest("database_id must be a positive integer")
	}
	if strings.TrimSpace(raw.SQL) == "" {
		return Request{}, domain.ErrInvalidRequest("sql is required")
	}

	limit := 0
	if len(raw.QueryLimit) > 0 && string(raw.QueryLimit) != "null" {
		n, err := parseInt(raw.QueryLimit)
		if err != nil {
			return Request{}, domain.ErrInvalidRequest("queryLimit must be an integer")
		}
		limit = int(n)
	}

	params, err := parseTemplateParams(raw.TemplateParams)
	if err != nil {
		return Request{}, err
	}

	method := domain.CtasMethod(strings.ToUpper(raw.CtasMethod))
	switch method {
	case "":
		method = domain.CtasMethodTable
	case domain.CtasMethodTable, domain.CtasMethodView:
	default:
		return Request{}, domain.ErrInvalidRequest("ctas_method must be TABLE or VIEW")
	}

	clientID := raw.ClientID
	if clientID == "" {
		clientID = domain.NewShortID()
	}

	return Request{
		DatabaseID:     dbID,
		SQL:            raw.SQL,
		Schema:         raw.Schema,
		TemplateParams: params,
		RunAsync:       raw.RunAsync,
		QueryLimit:     limit,
		SelectAsCTA:    raw.SelectAsCTA,
		CtasMethod:     method,
		TmpTableName:   raw.TmpTableName,
		ClientID:       clientID,
		SQLEditorID:    raw.SQLEditorID,
		TabName:        raw.Tab,
		ExpandData:     raw.ExpandData,
		UserID:         userID,
	}, nil
}

// parseInt accepts a JSON number or a numeric JSON string.
func parseInt(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	return strconv.ParseInt(s, 10, 64)
}

// parseTemplateParams accepts the JSON-encoded string form and, for
// convenience, a bare JSON object.
func parseTemplateParams(raw json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return params, nil
	}

	doc := trimmed
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, domain.ErrInvalidRequest("templateParams is not a valid JSON string")
		}
		if strings.TrimSpace(s) == "" {
			return params, nil
		}
		doc = []byte(s)
	}
	if err := json.Unmarshal(doc, &params); err != nil {
		return nil, domain.ErrInvalidRequest("templateParams must encode a JSON object: %v", err)
	}
	return params, nil
}
