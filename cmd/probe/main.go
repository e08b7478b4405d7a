// Command probe is a diagnostic subscriber for the broker: it connects to
// the JSONL stream, prints a readable line per packet (with best-effort
// text recovery from raw payloads), and tallies traffic by port and
// channel.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/meshbridge/broker/internal/packet"
)

var (
	statusColor  = color.New(color.FgCyan)
	textColor    = color.New(color.FgGreen)
	summaryColor = color.New(color.Bold)
)

// payloadPaths are the places an undecoded text payload may hide,
// depending on which firmware and broker version produced the packet.
var payloadPaths = []string{
	"decoded.payload",
	"decoded.data.payload",
	"payload",
	"request",
	"dataPayload",
	"decoded.request",
}

func main() {
	brokerAddr := os.Getenv("MESHTASTIC_BROKER")
	if brokerAddr == "" {
		brokerAddr = "127.0.0.1:8765"
	}

	broker := flag.String("broker", brokerAddr, "host:port of the broker")
	dur := flag.Duration("dur", 30*time.Second, "How long to listen")
	channel := flag.Int("channel", -1, "Only show packets on this channel (-1 = all)")
	flag.Parse()

	fmt.Printf("Connecting to broker at %s...\n", *broker)
	conn, err := net.DialTimeout("tcp", *broker, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("Connected. Listening for %s (channel: %s)\n", *dur, channelLabel(*channel))

	byPort := make(map[string]int)
	byChannel := make(map[string]int)

	shown := listen(conn, *dur, *channel, byPort, byChannel)

	fmt.Println("Done listening.")
	if shown == 0 {
		fmt.Println("No packets matched the filter in the interval.")
	}
	printSummary(byPort, byChannel)
}

func listen(conn net.Conn, dur time.Duration, channel int, byPort, byChannel map[string]int) int {
	conn.SetReadDeadline(time.Now().Add(dur))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	shown := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		if handleMessage(obj, channel, byPort, byChannel) {
			shown++
		}
	}
	return shown
}

// handleMessage prints one decoded broker line; it reports true only for
// packet lines that passed the channel filter.
func handleMessage(obj map[string]any, channel int, byPort, byChannel map[string]int) bool {
	switch obj["type"] {
	case "status", "broker_info":
		msg, _ := obj["msg"].(string)
		host, _ := obj["host"].(string)
		out := strings.TrimSpace(fmt.Sprintf("broker: %v %s %s", obj["type"], msg, host))
		if stats, ok := obj["stats"]; ok {
			out += fmt.Sprintf(" %v", stats)
		}
		statusColor.Println(out)
		return false
	case "packet":
	default:
		return false
	}

	pkt, _ := obj["packet"].(map[string]any)
	ch, chOK := packet.ExtractChannel(pkt)
	if channel >= 0 && (!chOK || ch != channel) {
		return false
	}

	port := "UNKNOWN"
	if p, ok := packet.Lookup(pkt, "decoded.portnum"); ok && p != nil {
		port = fmt.Sprint(p)
	}
	byPort[port]++
	byChannel[channelKey(ch, chOK)]++

	if txt := tryText(pkt); txt != "" {
		fmt.Printf("[%s]\n", headline(pkt, ch, chOK))
		textColor.Printf("  %s\n", txt)
	} else {
		fmt.Printf("[%s] (no text)\n", headline(pkt, ch, chOK))
	}
	return true
}

func headline(pkt map[string]any, ch int, chOK bool) string {
	dec, _ := pkt["decoded"].(map[string]any)
	hdr, _ := dec["header"].(map[string]any)

	port := "UNKNOWN"
	if p, ok := dec["portnum"]; ok && p != nil {
		port = fmt.Sprint(p)
	}
	from, _ := hdr["fromId"].(string)
	if from == "" {
		from, _ = pkt["fromId"].(string)
	}
	to, _ := hdr["toId"].(string)
	if to == "" {
		to, _ = pkt["toId"].(string)
	}
	if to == "" {
		to = "?"
	}

	parts := []string{
		fmt.Sprintf("ch %s", channelKey(ch, chOK)),
		port,
		fmt.Sprintf("%s -> %s", from, to),
	}
	if rssi := firstOf(pkt, "rssi", "rxMetadata.rssi"); rssi != nil {
		parts = append(parts, fmt.Sprintf("RSSI %v dBm", rssi))
	}
	if snr := firstOf(pkt, "rxSnr", "rxMetadata.snr"); snr != nil {
		parts = append(parts, fmt.Sprintf("SNR %v dB", snr))
	}
	return strings.Join(parts, " | ")
}

// tryText recovers a message text: the decoded field when present,
// otherwise any payload field that decodes (hex or base64) to something
// that looks like UTF-8 text.
func tryText(pkt map[string]any) string {
	if txt, ok := packet.Lookup(pkt, "decoded.data.text"); ok {
		if s, isStr := txt.(string); isStr {
			return s
		}
	}
	if txt, ok := packet.Lookup(pkt, "decoded.text"); ok {
		if s, isStr := txt.(string); isStr {
			return s
		}
	}

	for _, path := range payloadPaths {
		v, ok := packet.Lookup(pkt, path)
		if !ok {
			continue
		}
		s, isStr := v.(string)
		if !isStr {
			continue
		}
		for _, decode := range []func(string) ([]byte, error){
			hex.DecodeString,
			base64.StdEncoding.DecodeString,
		} {
			if b, err := decode(s); err == nil && packet.LooksText(b) {
				return string(b)
			}
		}
	}
	return ""
}

func firstOf(pkt map[string]any, paths ...string) any {
	for _, p := range paths {
		if v, ok := packet.Lookup(pkt, p); ok && v != nil {
			return v
		}
	}
	return nil
}

func channelLabel(ch int) string {
	if ch < 0 {
		return "all"
	}
	return fmt.Sprint(ch)
}

func channelKey(ch int, ok bool) string {
	if !ok {
		return "??"
	}
	return fmt.Sprint(ch)
}

func printSummary(byPort, byChannel map[string]int) {
	if len(byPort) == 0 && len(byChannel) == 0 {
		return
	}
	summaryColor.Println("\nSummary:")
	if len(byPort) > 0 {
		fmt.Printf("  by port:    %s\n", formatCounts(byPort))
	}
	if len(byChannel) > 0 {
		fmt.Printf("  by channel: %s\n", formatCounts(byChannel))
	}
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
