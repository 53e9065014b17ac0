package tgui

import (
	"errors"
	"strconv"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes, for the
// whole "ns:action:arg..." string.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "ns:action:arg1:arg2".
// Args are kept as-is (no escaping) and must not contain ':'.
func Data(ns, action string, args ...string) string {
	parts := make([]string, 0, 2+len(args))
	parts = append(parts, strings.TrimSpace(ns), strings.TrimSpace(action))
	parts = append(parts, args...)
	return strings.Join(parts, ":")
}

// CheckData returns ErrCallbackDataTooLong if data does not fit a button.
func CheckData(data string) error {
	if len(data) > MaxCallbackDataLen {
		return ErrCallbackDataTooLong
	}
	return nil
}

// Callback is parsed callback data.
type Callback struct {
	NS     string
	Action string
	Args   []string
}

// ParseData splits "ns:action:args..." data. ok is false when there is no
// action part.
func ParseData(data string) (Callback, bool) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Callback{}, false
	}
	return Callback{NS: parts[0], Action: parts[1], Args: parts[2:]}, true
}

// Int64 parses argument i. ok is false when missing or not a number.
func (c Callback) Int64(i int) (int64, bool) {
	if i < 0 || i >= len(c.Args) {
		return 0, false
	}
	v, err := strconv.ParseInt(c.Args[i], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
