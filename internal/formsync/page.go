package formsync

// FormPage is a server-side page model: the controls a template renders.
type FormPage struct {
	Selects map[string]*SelectState
	Fields  map[string]*FieldState
}

// SelectState is the rendered state of a select element.
type SelectState struct {
	Current string
	Options []Option
}

// FieldState is the rendered state of a field wrapper.
type FieldState struct {
	Visible bool
}

// NewFormPage returns an empty page.
func NewFormPage() *FormPage {
	return &FormPage{
		Selects: make(map[string]*SelectState),
		Fields:  make(map[string]*FieldState),
	}
}

// AddSelect places a select control with the given current value.
func (p *FormPage) AddSelect(id, value string, options []Option) *SelectState {
	s := &SelectState{Current: value, Options: options}
	p.Selects[id] = s
	return s
}

// AddField places a field wrapper with its markup-default visibility.
func (p *FormPage) AddField(selector string, visible bool) *FieldState {
	f := &FieldState{Visible: visible}
	p.Fields[selector] = f
	return f
}

// Select implements Page.
func (p *FormPage) Select(id string) SelectControl {
	if s, ok := p.Selects[id]; ok {
		return s
	}
	return nil
}

// Field implements Page.
func (p *FormPage) Field(selector string) FieldWrapper {
	if f, ok := p.Fields[selector]; ok {
		return f
	}
	return nil
}

// Value implements SelectControl.
func (s *SelectState) Value() string { return s.Current }

// SetOptions implements SelectControl.
func (s *SelectState) SetOptions(options []Option, selected string) {
	s.Options = options
	s.Current = selected
}

// SetVisible implements FieldWrapper.
func (f *FieldState) SetVisible(visible bool) { f.Visible = visible }
