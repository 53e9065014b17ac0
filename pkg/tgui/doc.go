// Package tgui renders chat UI for the Bot API's HTML parse mode: escaped
// text, inline keyboards with "ns:action:arg" callback data, list pages and
// caption cuts. Message.Send goes through a transport.Conn.
package tgui
