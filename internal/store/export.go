package store

import (
	"strings"

	"github.com/Yaoaoin/snlite/pkg/chattypes"
)

// renderMarkdown produces the deterministic flat rendering of a session:
// a title header followed by one section per message headed by its role,
// in message order.
func renderMarkdown(sess chattypes.Session) string {
	lines := []string{"# " + sess.Title, ""}
	for _, msg := range sess.Messages {
		lines = append(lines, "## "+roleHeading(msg.Role)+"\n\n"+msg.Content+"\n")
	}
	return strings.Join(lines, "\n")
}

func roleHeading(role string) string {
	switch role {
	case chattypes.RoleUser:
		return "User"
	case chattypes.RoleAssistant:
		return "Assistant"
	case chattypes.RoleSystem:
		return "System"
	default:
		return role
	}
}
