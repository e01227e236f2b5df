// Package status maps the bot's abstract task status keys onto the
// numeric status ids of a concrete Planfix process.
package status

import "strings"

// Key is an abstract task status. The set is closed: sync logic
// branches on these, never on raw remote ids.
type Key string

const (
	KeyNew           Key = "new"
	KeyDraft         Key = "draft"
	KeyInProgress    Key = "in_progress"
	KeyInfoSent      Key = "info_sent"
	KeyReplyReceived Key = "reply_received"
	KeyTimeout       Key = "timeout"
	KeyCompleted     Key = "completed"
	KeyPostponed     Key = "postponed"
	KeyFinished      Key = "finished"
	KeyCancelled     Key = "cancelled"
	KeyRejected      Key = "rejected"
)

// AllKeys lists every known key in a stable order.
var AllKeys = []Key{
	KeyNew, KeyDraft, KeyInProgress, KeyInfoSent, KeyReplyReceived,
	KeyTimeout, KeyCompleted, KeyPostponed, KeyFinished, KeyCancelled,
	KeyRejected,
}

// RequiredKeys must resolve or the registry refuses to load: the sync
// loop cannot function without them.
var RequiredKeys = []Key{KeyNew, KeyInProgress, KeyCompleted}

// keyDef describes how a key matches a remote status: by system name
// first, by display-name alias second.
type keyDef struct {
	systems []string
	alias   string
}

var keyDefs = map[Key]keyDef{
	KeyNew:           {systems: []string{"NEW"}, alias: "Новая"},
	KeyDraft:         {systems: []string{"DRAFT"}, alias: "Черновик"},
	KeyInProgress:    {systems: []string{"INPROGRESS", "IN_PROGRESS"}, alias: "В работе"},
	KeyInfoSent:      {alias: "Отправлена информация"},
	KeyReplyReceived: {alias: "Получен ответ"},
	KeyTimeout:       {systems: []string{"EXPIRED"}, alias: "Просрочена"},
	KeyCompleted:     {systems: []string{"COMPLETED"}, alias: "Завершенная"},
	KeyPostponed:     {systems: []string{"DEFERRED", "POSTPONED"}, alias: "Отложенная"},
	KeyFinished:      {systems: []string{"FINISHED"}, alias: "Выполненная"},
	KeyCancelled:     {systems: []string{"CANCELLED", "CANCELED"}, alias: "Отмененная"},
	KeyRejected:      {systems: []string{"REJECTED"}, alias: "Отклоненная"},
}

// ValidKey reports whether s names a known key.
func ValidKey(s string) bool {
	_, ok := keyDefs[Key(s)]
	return ok
}

// normSystem normalizes a system name for matching: upper case, all
// whitespace and underscores dropped.
func normSystem(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '_', '-':
			return -1
		}
		return r
	}, s)
}

// normAlias normalizes a display name for matching: lower case, outer
// whitespace trimmed, inner runs collapsed.
func normAlias(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
