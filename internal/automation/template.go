package automation

import (
	"strconv"
	"strings"
)

// RenderMessage substitutes {value} and {device} in a message template
func RenderMessage(template string, value float64, device string) string {
	return strings.NewReplacer(
		"{value}", FormatValue(value),
		"{device}", device,
	).Replace(template)
}

// FormatValue renders a reading value with the shortest exact representation
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
