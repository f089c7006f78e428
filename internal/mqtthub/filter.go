package mqtthub

import "strings"

// MatchFilter reports whether an MQTT topic filter matches a concrete topic.
// "+" matches exactly one level; "#" matches all remaining levels and is only
// valid as the last element. Exact equality is the fast path.
func MatchFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")

	for i, f := range fparts {
		if f == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if f != "+" && f != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}
