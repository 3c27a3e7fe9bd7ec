// Package storage persists operator-facing state that must survive a
// restart: the audit log of operator actions and the preference document.
// Alerts and notifications are never stored.
package storage
