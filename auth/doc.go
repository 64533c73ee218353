// Package auth holds the credential and authorization primitives used at the
// HTTP boundary of the streaming transport.
//
// An Authenticator validates a bearer token and returns a UserInfo (or an
// error wrapping ErrUnauthorized / ErrInsufficientScope). The transport maps
// those errors into OAuthError values, which are serialized as
// {"error", "error_description", "error_uri"} objects together with an RFC
// 6750 WWW-Authenticate challenge. OAuthError is never a JSON-RPC error.
//
// # Access Token Authentication
//
// NewFromDiscovery validates RFC 9068 access tokens using OpenID Connect
// discovery to obtain the issuer's JWKS. NewStaticJWT skips discovery and
// takes the JWKS URI directly.
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://mcp.example/mcp",
//	    auth.WithRequiredScopes("mcp:read"),
//	)
//	if err != nil { log.Fatal(err) }
//	ui, err := authn.CheckAuthentication(ctx, bearerToken)
//	if errors.Is(err, auth.ErrInsufficientScope) { /* 403 */ }
//
// Keys are fetched and refreshed in the background by keyfunc.
package auth
