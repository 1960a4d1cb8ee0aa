// Package models defines the questionnaire flow structures for consultflow.
package models

import "time"

// FlowStep is one question within a category's branching questionnaire.
//
// A step with DependsOnStep set is visible only when the answer recorded for
// that earlier step is one of DependsOnOptions; an empty DependsOnOptions list
// means "visible once the dependency step is answered at all". DependsOnStep
// zero means the step has no dependency and is always visible.
type FlowStep struct {
	ID               int64        `json:"id"`
	CategoryID       int64        `json:"category_id"`
	StepNumber       int          `json:"step_number"`
	Question         string       `json:"question"`
	Required         bool         `json:"required"`
	DependsOnStep    int          `json:"depends_on_step,omitempty"`
	DependsOnOptions []string     `json:"depends_on_options,omitempty"`
	OrderIndex       int          `json:"order_index"`
	Active           bool         `json:"active"`
	Options          []FlowOption `json:"options"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FlowOption is one selectable answer for a step. An option with CustomInput
// set accepts arbitrary free text as the answer value instead of its key.
type FlowOption struct {
	ID          int64  `json:"id"`
	StepID      int64  `json:"step_id"`
	Key         string `json:"key"`
	Label       string `json:"label"`
	Icon        string `json:"icon,omitempty"`
	Description string `json:"description,omitempty"`
	CustomInput bool   `json:"custom_input,omitempty"`
	OrderIndex  int    `json:"order_index"`
	Active      bool   `json:"active"`
}

// OptionByKey returns the active option with the given key, if any.
func (s *FlowStep) OptionByKey(key string) (FlowOption, bool) {
	for _, opt := range s.Options {
		if opt.Active && opt.Key == key {
			return opt, true
		}
	}
	return FlowOption{}, false
}

// CustomOption returns the step's custom-input option, if it has one.
func (s *FlowStep) CustomOption() (FlowOption, bool) {
	for _, opt := range s.Options {
		if opt.Active && opt.CustomInput {
			return opt, true
		}
	}
	return FlowOption{}, false
}
