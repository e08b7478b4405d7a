// Package packet inspects decoded mesh events. Events are opaque nested
// maps produced by the upstream interface; the helpers here tolerate the
// snake_case/camelCase naming drift seen across firmware and client
// versions.
package packet

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// channelPaths is the ordered list of locations a channel index may appear
// in, highest priority first.
var channelPaths = []string{
	"decoded.header.channelIndex",
	"decoded.header.channel_index",
	"rxMetadata.channel",
	"rx_metadata.channel",
	"decoded.channel",
	"decoded.channel_index",
}

// Lookup resolves a dotted path against nested string-keyed maps. It
// returns false if any segment is missing or the intermediate value is not
// a map.
func Lookup(evt map[string]any, path string) (any, bool) {
	var cur any = evt
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ExtractChannel derives the logical channel index of evt by trying each
// known field path in order, stopping at the first one holding an integer.
// The second return is false when no path resolves.
func ExtractChannel(evt map[string]any) (int, bool) {
	for _, path := range channelPaths {
		v, ok := Lookup(evt, path)
		if !ok {
			continue
		}
		if ch, ok := asInt(v); ok {
			return ch, true
		}
	}
	return 0, false
}

// asInt reports whether v carries an integer value. Events that have been
// through a JSON round trip carry numbers as float64, so integral floats
// count.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// InjectChannel writes the extracted channel into meta.channelIndex so
// downstream consumers have one reliable place to read it. The value is
// explicitly null when no channel resolved. Returns the channel and
// whether one was found.
func InjectChannel(evt map[string]any) (int, bool) {
	ch, ok := ExtractChannel(evt)
	meta, isMap := evt["meta"].(map[string]any)
	if !isMap {
		meta = make(map[string]any)
		evt["meta"] = meta
	}
	if ok {
		meta["channelIndex"] = ch
	} else {
		meta["channelIndex"] = nil
	}
	return ch, ok
}

// ChannelOf returns the event's channel, preferring an already injected
// meta.channelIndex over re-extraction.
func ChannelOf(evt map[string]any) (int, bool) {
	if v, ok := Lookup(evt, "meta.channelIndex"); ok {
		if ch, ok := asInt(v); ok {
			return ch, true
		}
	}
	return ExtractChannel(evt)
}

func subMap(evt map[string]any, key string) map[string]any {
	if m, ok := evt[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Summary renders a one-line human description of a packet for verbose
// logging: channel, port, addressing, and either the text payload or the
// radio metrics.
func Summary(evt map[string]any) string {
	dec := subMap(evt, "decoded")
	hdr := subMap(dec, "header")
	data := subMap(dec, "data")

	chStr := "??"
	if ch, ok := ChannelOf(evt); ok {
		chStr = fmt.Sprint(ch)
	}

	port := "UNKNOWN"
	if p, ok := dec["portnum"]; ok && p != nil {
		port = fmt.Sprint(p)
	}

	from, _ := hdr["fromId"].(string)
	if from == "" {
		from, _ = evt["fromId"].(string)
	}
	to, _ := hdr["toId"].(string)
	if to == "" {
		to, _ = evt["toId"].(string)
	}
	if to == "" {
		to = "?"
	}

	head := fmt.Sprintf("RX ch %s | %s | %s -> %s", chStr, port, from, to)

	if txt, ok := data["text"].(string); ok {
		return fmt.Sprintf("%s | %q", head, txt)
	}
	if txt, ok := dec["text"].(string); ok {
		return fmt.Sprintf("%s | %q", head, txt)
	}

	var extras []string
	if rssi := metricOf(evt, "rssi", "rxMetadata.rssi"); rssi != nil {
		extras = append(extras, fmt.Sprintf("RSSI %v dBm", rssi))
	}
	if snr := metricOf(evt, "rxSnr", "rxMetadata.snr"); snr != nil {
		extras = append(extras, fmt.Sprintf("SNR %v dB", snr))
	}
	if len(extras) == 0 {
		return head + " (no text)"
	}
	return head + " (no text) | " + strings.Join(extras, " | ")
}

func metricOf(evt map[string]any, paths ...string) any {
	for _, p := range paths {
		if v, ok := Lookup(evt, p); ok && v != nil {
			return v
		}
	}
	return nil
}

// LooksText reports whether b decodes as UTF-8 with a high share of
// printable runes. Used to guess whether an undecoded payload is a text
// message.
func LooksText(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	printable := 0
	total := 0
	for _, r := range string(b) {
		total++
		if unicode.IsPrint(r) || r == '\r' || r == '\n' || r == '\t' {
			printable++
		}
	}
	return float64(printable)/float64(total) > 0.9
}
