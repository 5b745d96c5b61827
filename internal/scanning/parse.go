package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// errorSentinel is the whole reply a model sends when it refuses the input
const errorSentinel = "ERROR"

// cleanResponse strips whitespace and markdown code fences from a model reply
func cleanResponse(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func isErrorSentinel(text string) bool {
	return strings.Trim(text, `"' `) == errorSentinel
}

// extractObject returns the outermost JSON object in text
func extractObject(text string) (string, error) {
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}

	return text[startIdx : endIdx+1], nil
}

// flexPrice accepts prices as numbers or as strings like "2,50" or "€ 1.20"
type flexPrice float64

func (p *flexPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = 0
		return nil
	}

	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}

	s = strings.NewReplacer("€", "", "$", "", "£", "", " ", "").Replace(strings.TrimSpace(s))
	if s == "" {
		*p = 0
		return nil
	}
	// The rightmost separator is the decimal one: "1.234,56" and "1,234.56".
	// Without a dot, commas followed by three digits group thousands: "1,234".
	lastComma, lastDot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	if lastDot == -1 && lastComma != -1 && (strings.Count(s, ",") > 1 || len(s)-lastComma-1 == 3) {
		s = strings.ReplaceAll(s, ",", "")
	} else if lastComma > lastDot {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else if lastComma != -1 {
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", s, err)
	}
	*p = flexPrice(d.InexactFloat64())
	return nil
}

type rawReceipt struct {
	Date  string `json:"date"`
	Place string `json:"place"`
	Items []struct {
		Name        string    `json:"name"`
		Price       flexPrice `json:"price"`
		Description string    `json:"description"`
	} `json:"items"`
}

// parseReceiptJSON parses the JSON response from a vision model
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = cleanResponse(text)
	if isErrorSentinel(text) {
		return nil, &AnalysisError{Reason: "model rejected the receipt", Err: ErrUnreadable}
	}

	obj, err := extractObject(text)
	if err != nil {
		return nil, &AnalysisError{Reason: "malformed response", Err: err}
	}

	var raw rawReceipt
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, &AnalysisError{Reason: "malformed response", Err: fmt.Errorf("unmarshaling json: %w", err)}
	}

	data := &ReceiptData{
		Date:  normalizeDate(raw.Date),
		Place: strings.TrimSpace(raw.Place),
		Items: make([]LineItem, 0, len(raw.Items)),
	}

	for _, item := range raw.Items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		data.Items = append(data.Items, LineItem{
			Name:        name,
			Price:       float64(item.Price),
			Description: strings.TrimSpace(item.Description),
		})
	}

	return data, nil
}

// normalizeDate coerces a model-supplied date into YYYY-MM-DD, defaulting to today
func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Now().Format("2006-01-02")
	}

	formats := []string{
		"2006-01-02",
		"2006/01/02",
		"02/01/2006",
		"02-01-2006",
		"02.01.2006",
	}
	for _, format := range formats {
		if d, err := time.Parse(format, date); err == nil {
			return d.Format("2006-01-02")
		}
	}
	// If we can't parse it, use today's date
	return time.Now().Format("2006-01-02")
}

// parseDescriptionsJSON parses the keyword sets produced for an item. Models
// return the descriptions as an array of {en, it} objects, an array of plain
// strings, or a single object keyed by language.
func parseDescriptionsJSON(text string) ([]Description, error) {
	text = cleanResponse(text)
	if isErrorSentinel(text) {
		return nil, &AnalysisError{Reason: "model could not describe the item", Err: ErrUnreadable}
	}

	obj, err := extractObject(text)
	if err != nil {
		return nil, &AnalysisError{Reason: "malformed response", Err: err}
	}

	var envelope struct {
		Descriptions json.RawMessage `json:"descriptions"`
	}
	if err := json.Unmarshal([]byte(obj), &envelope); err != nil {
		return nil, &AnalysisError{Reason: "malformed response", Err: fmt.Errorf("unmarshaling json: %w", err)}
	}

	raw := bytes.TrimSpace(envelope.Descriptions)
	if len(raw) == 0 {
		return []Description{}, nil
	}

	switch raw[0] {
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, &AnalysisError{Reason: "malformed descriptions", Err: err}
		}
		descriptions := make([]Description, 0, len(elems))
		for _, elem := range elems {
			var d Description
			if err := json.Unmarshal(elem, &d); err == nil {
				descriptions = append(descriptions, d)
				continue
			}
			var s string
			if err := json.Unmarshal(elem, &s); err == nil {
				descriptions = append(descriptions, Description{EN: s})
			}
		}
		return descriptions, nil
	case '{':
		var byLanguage map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byLanguage); err != nil {
			return nil, &AnalysisError{Reason: "malformed descriptions", Err: err}
		}
		return zipLanguages(byLanguage["en"], byLanguage["it"]), nil
	default:
		return nil, &AnalysisError{Reason: "malformed descriptions", Err: fmt.Errorf("unexpected descriptions value")}
	}
}

// zipLanguages pairs per-language values that are either strings or string arrays
func zipLanguages(en, it json.RawMessage) []Description {
	toList := func(raw json.RawMessage) []string {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []string{s}
		}
		return nil
	}

	enList, itList := toList(en), toList(it)
	n := max(len(enList), len(itList))
	descriptions := make([]Description, n)
	for i := range n {
		if i < len(enList) {
			descriptions[i].EN = enList[i]
		}
		if i < len(itList) {
			descriptions[i].IT = itList[i]
		}
	}
	return descriptions
}
