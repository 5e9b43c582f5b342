package console

import (
	"fmt"
	"strings"
	"time"

	"concierge/cmd/internal/api"
)

// Renderer formats messages as terminal lines.
type Renderer struct {
	Role      api.Realm
	Self      int64
	MediaBase string
	Location  *time.Location
}

// Name returns the label shown for m's sender within conv.
func (r Renderer) Name(m api.Message, conv *api.Conversation) string {
	switch m.SenderType {
	case api.SenderPersona:
		if conv != nil && api.StringValue(conv.PersonaName) != "" {
			return api.StringValue(conv.PersonaName)
		}
		if n := api.StringValue(m.SenderDisplayName); n != "" {
			return n
		}
		return "persona"
	default:
		if r.Role == api.RealmUser && (r.Self == 0 || m.SenderID == r.Self) {
			return "you"
		}
		if n := api.StringValue(m.SenderDisplayName); n != "" {
			return n
		}
		if conv != nil && conv.UserAccountID == m.SenderID && api.StringValue(conv.UserDisplayName) != "" {
			return api.StringValue(conv.UserDisplayName)
		}
		return fmt.Sprintf("user #%d", m.SenderID)
	}
}

// Message renders m as "[HH:MM] name: content", followed by an indented
// image line when the message carries one.
func (r Renderer) Message(m api.Message, conv *api.Conversation) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	b.WriteByte('[')
	if m.CreatedAt.IsZero() {
		b.WriteString("--:--")
	} else {
		b.WriteString(m.CreatedAt.In(loc).Format("15:04"))
	}
	b.WriteString("] ")
	b.WriteString(r.Name(m, conv))
	b.WriteString(": ")
	if t := api.StringValue(m.Title); t != "" {
		b.WriteString("[" + t + "] ")
	}
	b.WriteString(m.Content)

	if img := api.ResolveURL(r.MediaBase, api.StringValue(m.ImageURL)); img != "" {
		b.WriteString("\n        image: ")
		b.WriteString(img)
	}
	return b.String()
}

// Conversation renders one selector row.
func (r Renderer) Conversation(c api.Conversation) string {
	user := api.StringValue(c.UserDisplayName)
	if user == "" {
		user = "-"
	}
	persona := api.StringValue(c.PersonaName)
	if persona == "" {
		persona = fmt.Sprintf("persona #%d", c.PersonaID)
	}
	return fmt.Sprintf("#%d  %s (#%d) / %s  [%s]", c.ID, user, c.UserAccountID, persona, c.Status)
}

// Notification renders one notification row.
func (r Renderer) Notification(n api.Notification) string {
	loc := r.Location
	if loc == nil {
		loc = time.Local
	}
	mark := "*"
	if n.IsRead {
		mark = " "
	}
	line := fmt.Sprintf("%s %s  %s", mark, n.CreatedAt.In(loc).Format("2006-01-02 15:04"), n.Title)
	if body := api.StringValue(n.Body); body != "" {
		line += "\n    " + body
	}
	return line
}
