// Package domain holds the dispatch engine's shared types: providers and
// tenant bindings, tenant accounts, queue items, delivery records,
// blacklist entries and the error taxonomy.
//
// The package imports nothing from internal/ and carries no I/O. Types
// may have pure helper methods such as QueueStatus.IsTerminal or
// TenantProviderBinding.EffectiveLimits.
package domain
