// Package blacklist decides whether a recipient may receive mail from a
// tenant. Entries come from provider bounce/complaint webhooks, manual
// operator actions and imports; the queue processor checks every recipient
// here before dispatch.
//
// Entries with an empty tenant apply platform-wide. Addresses are stored
// lowercased and trimmed.
package blacklist
