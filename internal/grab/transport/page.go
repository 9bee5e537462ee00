package transport

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// renderInjectMarker is the id of the script tag the vendor's add-order page
// embeds its server-rendered data object in.
const renderInjectMarker = "__rocker-render-inject__"

// extractOrderData digs the order data object out of an add-order HTML page.
// The page carries the JSON HTML-escaped in a data-obj attribute on a known
// script tag.
func extractOrderData(page []byte) (json.RawMessage, error) {
	dataObj, err := extractDataObject(page)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Order struct {
			Status struct {
				Message string `json:"message"`
			} `json:"status"`
			Result json.RawMessage `json:"result"`
		} `json:"order"`
		ConfirmOrderParam json.RawMessage `json:"confirmOrderParam"`
	}
	if err := json.Unmarshal(dataObj, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse embedded data object: %w", err)
	}
	if payload.Order.Status.Message != "OK" || len(payload.Order.Result) == 0 {
		return nil, domain.ErrNoCatalogData
	}

	if len(payload.ConfirmOrderParam) == 0 {
		return payload.Order.Result, nil
	}

	// The confirm parameters ride alongside the order result; the builder
	// wants them inside it.
	var result map[string]json.RawMessage
	if err := json.Unmarshal(payload.Order.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse order result: %w", err)
	}
	result["confirmOrderParam"] = payload.ConfirmOrderParam

	merged, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode order result: %w", err)
	}
	return merged, nil
}

func extractDataObject(page []byte) (json.RawMessage, error) {
	doc := string(page)

	tagAt := strings.Index(doc, renderInjectMarker)
	if tagAt < 0 {
		return nil, domain.ErrNoCatalogData
	}

	// The data-obj attribute can sit on either side of the id attribute;
	// search the whole tag.
	tagStart := strings.LastIndex(doc[:tagAt], "<")
	if tagStart < 0 {
		tagStart = 0
	}
	tagEnd := strings.Index(doc[tagAt:], ">")
	if tagEnd < 0 {
		return nil, domain.ErrNoCatalogData
	}
	tag := doc[tagStart : tagAt+tagEnd]

	attrAt := strings.Index(tag, `data-obj="`)
	if attrAt < 0 {
		return nil, domain.ErrNoCatalogData
	}
	value := tag[attrAt+len(`data-obj="`):]
	closeAt := strings.Index(value, `"`)
	if closeAt < 0 {
		return nil, domain.ErrNoCatalogData
	}

	return json.RawMessage(html.UnescapeString(value[:closeAt])), nil
}
