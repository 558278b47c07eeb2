package device

import (
	"maps"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Snapshot is an appliance's data_latest flattened into dotted state paths,
// one raw JSON primitive per path.
type Snapshot map[string]string

// FlattenData walks data_latest and keys every primitive by its dotted path.
// Array elements use their index as a path segment. Invalid or empty input
// flattens to an empty snapshot.
func FlattenData(data []byte) Snapshot {
	snapshot := Snapshot{}
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return snapshot
	}
	flattenInto(snapshot, "", gjson.ParseBytes(data))
	return snapshot
}

func flattenInto(snapshot Snapshot, prefix string, value gjson.Result) {
	if value.IsObject() || value.IsArray() {
		isArray := value.IsArray()
		i := 0
		value.ForEach(func(key, child gjson.Result) bool {
			seg := key.String()
			if isArray {
				seg = strconv.Itoa(i)
			}
			i++
			if prefix != "" {
				seg = prefix + "." + seg
			}
			flattenInto(snapshot, seg, child)
			return true
		})
		return
	}
	if prefix == "" {
		return
	}
	snapshot[prefix] = value.Raw
}

func (s Snapshot) Equal(other Snapshot) bool {
	return maps.Equal(s, other)
}

// Diff lists the paths whose values differ, sorted. A path missing on either
// side counts as changed.
func (s Snapshot) Diff(other Snapshot) []string {
	var changed []string
	for path, raw := range s {
		if otherRaw, ok := other[path]; !ok || otherRaw != raw {
			changed = append(changed, path)
		}
	}
	for path := range other {
		if _, ok := s[path]; !ok {
			changed = append(changed, path)
		}
	}
	slices.Sort(changed)
	return changed
}

// JSON re-embeds every flattened fragment as real JSON, for the state mirror
// file.
func (s Snapshot) JSON() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s))
	for path, raw := range s {
		out[path] = json.RawMessage(raw)
	}
	return out
}
