// Package notify presents user-visible notifications through attached clients
// and keeps the unread badge counter. PushHandler implements push accounting:
// present, then bump the badge only when no window is visible.
package notify
