package lark

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// FormWidgets maps record fields to widget ids of the Lark approval definition.
// Empty ids are left out of the form.
type FormWidgets struct {
	QuoteID   string `mapstructure:"quote_id"`
	Submitter string `mapstructure:"submitter"`
	Cycle     string `mapstructure:"cycle"`
	Approver  string `mapstructure:"approver"`
}

// DefaultFormWidgets returns the widget ids of the stock quote approval definition
func DefaultFormWidgets() FormWidgets {
	return FormWidgets{
		QuoteID:   "widget_quote_id",
		Submitter: "widget_submitter",
		Cycle:     "widget_cycle",
		Approver:  "widget_approver",
	}
}

type formField struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// BuildForm renders the form payload Lark expects for a new instance
func BuildForm(w FormWidgets, rec *entity.ApprovalRecord) (string, error) {
	var fields []formField
	add := func(id, value string) {
		if id == "" {
			return
		}
		fields = append(fields, formField{ID: id, Type: "input", Value: value})
	}

	add(w.QuoteID, rec.QuoteID)
	add(w.Submitter, rec.SubmittedBy)
	add(w.Cycle, strconv.Itoa(rec.CycleCount))
	add(w.Approver, rec.Approver())

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode form: %w", err)
	}
	return string(data), nil
}
