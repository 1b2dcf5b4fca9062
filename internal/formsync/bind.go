package formsync

import (
	"github.com/firetracker/geodata/internal/geodata"
)

// Control identifiers used by the upload form markup.
const (
	DataTypeControl      = "id_data_type"
	UploadFormatControl  = "id_upload_format"
	AuxiliaryFieldMarker = ".field-auxiliary_files"
)

// SelectControl is a selection control on a page.
type SelectControl interface {
	Value() string
	SetOptions(options []Option, selected string)
}

// FieldWrapper is a field container whose visibility can be toggled.
type FieldWrapper interface {
	SetVisible(visible bool)
}

// Page looks up controls. Lookups return nil when the control is absent.
type Page interface {
	Select(id string) SelectControl
	Field(selector string) FieldWrapper
}

// Synchronizer keeps a Page's controls in line with State.
type Synchronizer struct {
	page  Page
	state State
}

// Attach binds to page. A nil Synchronizer means the page has no data type
// control and nothing applies. When the data type control already carries a
// value, the format list and auxiliary field are brought in line with it.
func Attach(page Page) (*Synchronizer, error) {
	dataType := page.Select(DataTypeControl)
	if dataType == nil {
		return nil, nil
	}
	s := &Synchronizer{page: page}
	if v := dataType.Value(); v != "" {
		if err := s.DataTypeChanged(geodata.DataType(v)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// State returns the current derived state.
func (s *Synchronizer) State() State {
	return s.state
}

// DataTypeChanged handles a change of the data type control.
func (s *Synchronizer) DataTypeChanged(dt geodata.DataType) error {
	next, err := OnDataTypeChanged(s.state, dt)
	if err != nil {
		return err
	}
	s.state = next
	if sel := s.page.Select(UploadFormatControl); sel != nil {
		sel.SetOptions(next.Options, string(next.Selected))
	}
	s.applyVisibility()
	return nil
}

// FormatChanged handles a change of the format control.
func (s *Synchronizer) FormatChanged(f geodata.Format) {
	s.state = OnFormatChanged(s.state, f)
	s.applyVisibility()
}

func (s *Synchronizer) applyVisibility() {
	if field := s.page.Field(AuxiliaryFieldMarker); field != nil {
		field.SetVisible(s.state.AuxiliaryVisible)
	}
}
