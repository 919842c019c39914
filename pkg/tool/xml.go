package tool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/conduit-llm/conduit/pkg/protocol"
)

// FunctionCallsTag is the element name the streaming parser watches for.
const FunctionCallsTag = "function_calls"

// The payload is model-emitted pseudo-XML, not a document: parameter values
// are loose text, so the codec scans with patterns instead of a strict XML
// decoder.
var (
	invokeRe    = regexp.MustCompile(`(?s)<invoke name="([^"]*)">(.*?)</invoke>`)
	parameterRe = regexp.MustCompile(`(?s)<parameter name="([^"]*)">(.*?)</parameter>`)
)

// ParseFunctionCalls decodes a <function_calls> payload into tool calls,
// in document order. Parameter values that read as JSON scalars or
// structures are decoded; everything else stays a string.
func ParseFunctionCalls(payload string) ([]*protocol.ToolCall, error) {
	invokes := invokeRe.FindAllStringSubmatch(payload, -1)
	if len(invokes) == 0 {
		return nil, protocol.NewParseError(protocol.CodeXMLParseError,
			"no <invoke> elements found in function_calls payload")
	}

	calls := make([]*protocol.ToolCall, 0, len(invokes))
	for _, invoke := range invokes {
		name := invoke[1]
		if name == "" {
			return nil, protocol.NewParseError(protocol.CodeXMLParseError,
				"invoke element is missing a tool name")
		}

		args := make(map[string]interface{})
		for _, param := range parameterRe.FindAllStringSubmatch(invoke[2], -1) {
			args[param[1]] = sniffValue(xmlUnescape(param[2]))
		}

		calls = append(calls, &protocol.ToolCall{
			ID:   "call_" + uuid.NewString(),
			Name: name,
			Args: args,
		})
	}
	return calls, nil
}

// SerializeFunctionCalls renders tool calls in the wire format. Parameters
// are emitted in sorted key order; values survive a parse round trip.
func SerializeFunctionCalls(calls []*protocol.ToolCall) string {
	var b strings.Builder
	b.WriteString("<" + FunctionCallsTag + ">\n")
	for _, call := range calls {
		fmt.Fprintf(&b, "<invoke name=%q>\n<parameters>\n", call.Name)

		keys := make([]string, 0, len(call.Args))
		for k := range call.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			fmt.Fprintf(&b, "<parameter name=%q>%s</parameter>\n", k, xmlEscape(encodeValue(call.Args[k])))
		}
		b.WriteString("</parameters>\n</invoke>\n")
	}
	b.WriteString("</" + FunctionCallsTag + ">")
	return b.String()
}

// sniffValue decodes text that reads as a JSON value; plain words stay
// strings.
func sniffValue(text string) interface{} {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text
	}
	switch trimmed[0] {
	case '{', '[', '"', 't', 'f', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v interface{}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}

// encodeValue is the inverse of sniffValue: strings that would be sniffed
// into another value are JSON-quoted, everything non-string is JSON.
func encodeValue(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
	if sniffed, isString := sniffValue(s).(string); !isString || sniffed != s {
		data, _ := json.Marshal(s)
		return string(data)
	}
	return s
}

var (
	escaper   = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	unescaper = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&amp;", "&")
)

func xmlEscape(s string) string   { return escaper.Replace(s) }
func xmlUnescape(s string) string { return unescaper.Replace(s) }
