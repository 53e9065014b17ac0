package tgui

import "html"

// H is text already safe for ParseMode "HTML".
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw trusts s as HTML.
func Raw(s string) H { return H(s) }

func B(s string) H    { return tag("b", s) }
func Code(s string) H { return tag("code", s) }

func tag(name, text string) H {
	return H("<" + name + ">" + html.EscapeString(text) + "</" + name + ">")
}
