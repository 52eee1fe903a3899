// Package translator converts OpenAI chat-completion requests into the
// message-template payload the browser userscript replays against the arena.
// It applies role normalization, assistant prefill extraction, multi-modal
// attachment splitting, tavern and bypass transforms, and participant
// position assignment.
package translator

import (
	"fmt"
	"mime"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultModelID is the upstream model used when the requested name has no
// catalog entry.
const DefaultModelID = "f44e280a-7914-43ca-a25d-ecfcc5d48d09"

// Attachment is one data-URI file extracted from a multi-modal message part.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

// MessageTemplate is one turn of the payload replayed in the page.
type MessageTemplate struct {
	Role                string       `json:"role"`
	Content             string       `json:"content"`
	ParticipantPosition string       `json:"participantPosition"`
	Attachments         []Attachment `json:"attachments"`
}

// Payload is the complete request descriptor sent to the userscript.
type Payload struct {
	MessageTemplates []MessageTemplate `json:"message_templates"`
	TargetModelID    string            `json:"target_model_id"`
	SessionID        string            `json:"session_id"`
	MessageID        string            `json:"message_id"`
	AssistantPrefill string            `json:"assistant_prefill"`
	IsAuto           bool              `json:"is_auto_claude"`
}

// Options carries the transform switches and session context for one call.
type Options struct {
	SessionID        string
	MessageID        string
	Mode             string // "direct_chat" or "battle"
	BattleTarget     string // "A" or "B"
	TavernMode       bool
	BypassMode       bool
	AssistantPrefill bool
	IsAuto           bool

	// ResolveModelID maps an external model name to its upstream ID; a nil
	// resolver or a miss falls back to DefaultModelID.
	ResolveModelID func(name string) (string, bool)
}

type message struct {
	role        string
	content     string
	attachments []Attachment
}

// Translate builds the arena payload from a raw OpenAI request body.
func Translate(rawJSON []byte, opts Options) Payload {
	messages := collectMessages(gjson.GetBytes(rawJSON, "messages"))

	prefill := ""
	if len(messages) > 0 && messages[len(messages)-1].role == "assistant" {
		if opts.AssistantPrefill {
			prefill = messages[len(messages)-1].content
			messages = messages[:len(messages)-1]
		} else {
			messages[len(messages)-1].role = "user"
			if strings.TrimSpace(messages[len(messages)-1].content) == "" {
				messages[len(messages)-1].content = " "
			}
		}
	}

	if opts.TavernMode {
		messages = applyTavernMode(messages)
	}

	modelName := gjson.GetBytes(rawJSON, "model").String()
	targetModelID := DefaultModelID
	if opts.ResolveModelID != nil {
		if id, ok := opts.ResolveModelID(modelName); ok {
			targetModelID = id
		} else {
			log.Warnf("model %q not found in catalog, using default model ID", modelName)
		}
	}

	templates := make([]MessageTemplate, 0, len(messages)+1)
	for _, msg := range messages {
		templates = append(templates, MessageTemplate{
			Role:        msg.role,
			Content:     msg.content,
			Attachments: msg.attachments,
		})
	}

	assignParticipantPositions(templates, opts.Mode, opts.BattleTarget)

	// The bypass sentinel always sits last and always on side "a", even in
	// battle mode, so it is appended after position assignment.
	if opts.BypassMode {
		templates = append(templates, MessageTemplate{
			Role:                "user",
			Content:             " ",
			ParticipantPosition: "a",
			Attachments:         []Attachment{},
		})
	}

	return Payload{
		MessageTemplates: templates,
		TargetModelID:    targetModelID,
		SessionID:        opts.SessionID,
		MessageID:        opts.MessageID,
		AssistantPrefill: prefill,
		IsAuto:           opts.IsAuto,
	}
}

// collectMessages normalizes roles and splits multi-modal content into text
// plus attachments. Empty user turns become a single space because the arena
// rejects empty user messages; an empty assistant turn stays empty so prefill
// can force a response.
func collectMessages(raw gjson.Result) []message {
	var messages []message
	raw.ForEach(func(_, item gjson.Result) bool {
		role := item.Get("role").String()
		if role == "developer" {
			role = "system"
		}

		content := item.Get("content")
		var text string
		var attachments []Attachment
		if content.IsArray() {
			text, attachments = splitParts(content)
		} else {
			text = content.String()
		}

		if role == "user" && strings.TrimSpace(text) == "" {
			text = " "
		}

		messages = append(messages, message{role: role, content: text, attachments: attachments})
		return true
	})
	return messages
}

func splitParts(content gjson.Result) (string, []Attachment) {
	var textParts []string
	var attachments []Attachment
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			textParts = append(textParts, part.Get("text").String())
		case "image_url":
			url := part.Get("image_url.url").String()
			if !strings.HasPrefix(url, "data:") {
				log.Warnf("skipping non-data attachment URL: %.60s", url)
				return true
			}
			attachment, err := buildAttachment(url, part.Get("image_url.detail").String())
			if err != nil {
				log.Warnf("cannot parse data URI: %.60s... %v", url, err)
				return true
			}
			attachments = append(attachments, attachment)
		}
		return true
	})
	return strings.Join(textParts, "\n\n"), attachments
}

// buildAttachment derives name and content type from a data: URI. The OpenAI
// "detail" field is repurposed to carry an original filename; without one the
// name is synthesized from the MIME main type and a random suffix.
func buildAttachment(url, originalName string) (Attachment, error) {
	rest := strings.TrimPrefix(url, "data:")
	semicolon := strings.IndexByte(rest, ';')
	if semicolon < 0 {
		semicolon = strings.IndexByte(rest, ',')
	}
	if semicolon < 0 {
		return Attachment{}, fmt.Errorf("malformed data URI")
	}
	contentType := rest[:semicolon]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	name := originalName
	if name == "" {
		name = synthesizeFilename(contentType)
	}

	return Attachment{Name: name, ContentType: contentType, URL: url}, nil
}

func synthesizeFilename(contentType string) string {
	mainType, subType := "application", "octet-stream"
	if slash := strings.IndexByte(contentType, '/'); slash > 0 {
		mainType, subType = contentType[:slash], contentType[slash+1:]
	}

	prefix := "file"
	switch mainType {
	case "image":
		prefix = "image"
	case "audio":
		prefix = "audio"
	}

	extension := subType
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		extension = strings.TrimPrefix(exts[0], ".")
	} else if len(subType) >= 20 {
		extension = "bin"
	}

	return fmt.Sprintf("%s_%s.%s", prefix, uuid.New().String(), extension)
}

// applyTavernMode merges all system messages, in order, into one leading
// system turn. System messages never carry attachments.
func applyTavernMode(messages []message) []message {
	var systemParts []string
	merged := make([]message, 0, len(messages))
	for _, msg := range messages {
		if msg.role == "system" {
			systemParts = append(systemParts, msg.content)
			continue
		}
		merged = append(merged, msg)
	}

	systemPrompt := strings.Join(systemParts, "\n\n")
	if systemPrompt == "" {
		return merged
	}
	return append([]message{{role: "system", content: systemPrompt, attachments: []Attachment{}}}, merged...)
}

// assignParticipantPositions stamps every template according to the session
// mode. DirectChat pins system turns to "b" and everything else to "a";
// battle puts every turn on the captured target side.
func assignParticipantPositions(templates []MessageTemplate, mode, battleTarget string) {
	target := strings.ToLower(battleTarget)
	if target == "" {
		target = "a"
	}

	for i := range templates {
		switch {
		case mode == "battle":
			templates[i].ParticipantPosition = target
		case templates[i].Role == "system":
			templates[i].ParticipantPosition = "b"
		default:
			templates[i].ParticipantPosition = "a"
		}
	}
}
