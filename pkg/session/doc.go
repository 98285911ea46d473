/*
Package session maps connected peers to authenticated sessions on the
master.

A session exists from successful authentication until disconnect. Modules
attach state through the typed property bag (profile handle, pending access
grant, spawn-request handle, lobby membership) and register destroy hooks to
release it; the registry clears every property when the session dies so
nothing leaks across connections, including pooled test environments.

Guests get fabricated identities and are exempt from the one-login-per-user
rule. PropertyAs is the cast-with-error accessor for bag values; there are
no unchecked downcasts anywhere in the session surface.
*/
package session
