// Package session holds the authenticated principal of one client process.
//
// An Accessor is created once at startup and passed explicitly to the
// components that need the current account or its bearer credential.
// Its lifecycle is explicit: Init validates a stored credential, Login
// obtains a new one, Logout clears it.
//
// Token storage is out of scope here; the caller supplies the credential.
package session
