/*
Package auth owns authentication on the master: the account store surface,
bcrypt credential checks, guest identities, and the Login/Register opcode
handlers that create sessions.

Other modules never authenticate anything themselves; they depend on the
auth module and guard handlers with the session registry's Require. Login
hooks (OnLogin) let dependent modules attach per-session state — the profile
module uses this to bind the authoritative profile at login time.
*/
package auth
