package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractedModel is one model entry pulled out of the arena page HTML.
type ExtractedModel struct {
	PublicName   string
	ID           string
	Organization string
}

var (
	scriptPattern  = regexp.MustCompile(`(?s)<script>(.*?)</script>`)
	pushPattern    = regexp.MustCompile(`(?s)self\.__next_f\.push\(\[1,"(.*?)"\]\)`)
	escapedQuote   = `\"`
	unescapedQuote = `"`
)

// ExtractModels locates the embedded JSON state inside the arena page HTML
// and returns the model list found under an "initialState" array whose
// entries carry a "publicName". The page inlines its state through
// self.__next_f.push script blocks with escaped JSON payloads.
func ExtractModels(html string) ([]ExtractedModel, error) {
	for _, scriptMatch := range scriptPattern.FindAllStringSubmatch(html, -1) {
		script := scriptMatch[1]
		if !strings.Contains(script, "self.__next_f.push") ||
			!strings.Contains(script, "initialState") ||
			!strings.Contains(script, "publicName") {
			continue
		}

		pushMatch := pushPattern.FindStringSubmatch(script)
		if pushMatch == nil {
			continue
		}

		// The payload is one logical line; everything after the first \n is
		// unrelated framing.
		payload := pushMatch[1]
		if newline := strings.Index(payload, `\n`); newline >= 0 {
			payload = payload[:newline]
		}

		colon := strings.IndexByte(payload, ':')
		if colon < 0 {
			continue
		}
		jsonText := strings.ReplaceAll(payload[colon+1:], escapedQuote, unescapedQuote)

		parsed := gjson.Parse(jsonText)
		if !parsed.Exists() {
			continue
		}
		if models := findInitialState(parsed); models != nil {
			return models, nil
		}
	}
	return nil, fmt.Errorf("no script block with model data found in HTML")
}

// findInitialState walks the decoded JSON tree looking for an initialState
// array whose first element has a publicName.
func findInitialState(node gjson.Result) []ExtractedModel {
	var found []ExtractedModel
	var walk func(gjson.Result) bool
	walk = func(current gjson.Result) bool {
		if current.IsObject() {
			state := current.Get("initialState")
			if state.IsArray() {
				entries := state.Array()
				if len(entries) > 0 && entries[0].Get("publicName").Exists() {
					for _, entry := range entries {
						found = append(found, ExtractedModel{
							PublicName:   entry.Get("publicName").String(),
							ID:           entry.Get("id").String(),
							Organization: entry.Get("organization").String(),
						})
					}
					return true
				}
			}
		}
		done := false
		current.ForEach(func(_, child gjson.Result) bool {
			if child.IsObject() || child.IsArray() {
				if walk(child) {
					done = true
					return false
				}
			}
			return true
		})
		return done
	}
	if walk(node) {
		return found
	}
	return nil
}
