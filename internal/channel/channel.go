// Package channel computes the canonical topic names used on the realtime
// transport. Every producer and consumer must derive topic names through
// this package; composing a name by hand anywhere else is a bug.
package channel

// Scope identifies which surface of the application a connection serves.
// Scopes are opaque to the factory; they only segment organization-wide
// topics so a dashboard and an inbox can hold independent subscriptions.
type Scope string

const (
	ScopeDashboard Scope = "dashboard"
	ScopeInbox     Scope = "inbox"
)

// Conversation returns the topic for conversation-scoped events:
//
//	org:<organizationID>:conversation:<conversationID>
func Conversation(organizationID, conversationID string) string {
	return "org:" + organizationID + ":conversation:" + conversationID
}

// Organization returns the topic for organization-wide events, omitting the
// conversation segment:
//
//	org:<organizationID>:<scope>
func Organization(organizationID string, scope Scope) string {
	return "org:" + organizationID + ":" + string(scope)
}

// Name is the general form: it returns the conversation topic when
// conversationID is non-empty and the organization-wide topic otherwise.
func Name(organizationID, conversationID string, scope Scope) string {
	if conversationID != "" {
		return Conversation(organizationID, conversationID)
	}
	return Organization(organizationID, scope)
}
