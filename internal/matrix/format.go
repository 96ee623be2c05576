// ABOUTME: Markdown to Matrix message content conversion using goldmark.
// ABOUTME: Builds new-message and m.replace edit payloads with plain and HTML bodies.

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderHTML converts markdown to HTML. It returns "" when the conversion
// fails or adds nothing over the plain text.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if out == "<p>"+md+"</p>" {
		return ""
	}
	return out
}

// messageContent builds a text message from markdown.
func messageContent(md string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    md,
	}
	if formatted := renderHTML(md); formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// editContent builds an m.replace edit of original.
func editContent(original id.EventID, md string) *event.MessageEventContent {
	replacement := messageContent(md)
	content := &event.MessageEventContent{
		MsgType:    replacement.MsgType,
		Body:       "* " + replacement.Body,
		NewContent: replacement,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: original,
		},
	}
	if replacement.FormattedBody != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = "* " + replacement.FormattedBody
	}
	return content
}
