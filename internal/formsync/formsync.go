// Package formsync keeps the upload form's format selector consistent with
// its data type selector, and shows the auxiliary files field only for
// shapefile uploads.
//
// The core is a pair of pure handlers over State. Attach binds them to a
// Page, which is whatever renders the actual controls.
package formsync

import (
	"github.com/firetracker/geodata/internal/geodata"
)

// Option is one entry of the format selector.
type Option struct {
	Value geodata.Format `json:"value"`
	Label string         `json:"label"`
}

// State is the derived state of the upload form.
type State struct {
	DataType         geodata.DataType `json:"data_type"`
	Options          []Option         `json:"options"`
	Selected         geodata.Format   `json:"selected"`
	AuxiliaryVisible bool             `json:"auxiliary_visible"`
}

// OnDataTypeChanged rebuilds the format options for dt in table order,
// selects the first one and re-derives the auxiliary field visibility.
// An unmapped data type returns geodata.ErrUnknownDataType and leaves s as is.
func OnDataTypeChanged(s State, dt geodata.DataType) (State, error) {
	formats, err := geodata.AllowedFormats(dt)
	if err != nil {
		return s, err
	}

	next := State{DataType: dt, Options: make([]Option, 0, len(formats))}
	for _, f := range formats {
		next.Options = append(next.Options, Option{Value: f, Label: f.Label()})
	}
	if len(next.Options) > 0 {
		next = OnFormatChanged(next, next.Options[0].Value)
	}
	return next, nil
}

// OnFormatChanged records the selected format; the auxiliary field is shown
// only for shapefiles.
func OnFormatChanged(s State, f geodata.Format) State {
	s.Selected = f
	s.AuxiliaryVisible = f == geodata.SHP
	return s
}

// Offers reports whether f is among the current options.
func (s State) Offers(f geodata.Format) bool {
	for _, o := range s.Options {
		if o.Value == f {
			return true
		}
	}
	return false
}
