// Package auth protects the control API with operator tokens.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret, issued by
// "coven-fleet token --subject NAME" and sent as
//
//	Authorization: Bearer <token>
//
// Middleware verifies the token and attaches the subject to the request
// context; SubjectFrom reads it back. When no secret is configured the
// control API runs without the middleware.
package auth
