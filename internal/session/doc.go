// Package session keeps authenticated sessions per account and bounds how
// often an account may log in.
//
// Memory and Redis implementations are provided for both the session Cache
// and the login Limiter. Authenticator composes them with a LoginAdapter.
package session
