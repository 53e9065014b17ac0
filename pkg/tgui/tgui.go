package tgui

import "groupfeed/internal/transport"

// Inline is a small builder for inline keyboards.
type Inline struct {
	rows [][]transport.Button
}

func NewInline() *Inline {
	return &Inline{}
}

// Row appends a new row of buttons. Empty rows are skipped.
func (i *Inline) Row(btn ...transport.Button) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, append([]transport.Button(nil), btn...))
	return i
}

// Rows returns the keyboard rows.
func (i *Inline) Rows() [][]transport.Button {
	if i == nil {
		return nil
	}
	return i.rows
}

// Btn creates a callback button with raw callback_data (we do NOT encode it).
// Use Data to build "ns:action:arg" safely.
func Btn(text, data string) transport.Button {
	return transport.Button{Text: text, Data: data}
}

// Confirm is a one-row yes/no keyboard.
func Confirm(yes, no transport.Button) *Inline { return NewInline().Row(yes, no) }
