package models

import "time"

// ProcessStep is one entry of a sequence template.
type ProcessStep struct {
	Name         string `json:"name" yaml:"name"`
	Department   string `json:"department" yaml:"department"`
	Order        int    `json:"order" yaml:"order"`
	IsCompulsory bool   `json:"is_compulsory" yaml:"compulsory"`
}

// ProcessSequence is the ordered plan for a product type.
type ProcessSequence struct {
	ProductType string        `json:"product_type" yaml:"product_type"`
	Name        string        `json:"name" yaml:"name"`
	Steps       []ProcessStep `json:"steps" yaml:"steps"`
	UpdatedAt   time.Time     `json:"updated_at" yaml:"-"`
}
