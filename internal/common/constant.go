package common

// AuthorizationHeaderName is the HTTP header carrying the bearer token.
const AuthorizationHeaderName = "Authorization"

// BearerPrefix precedes the access token in the Authorization header.
const BearerPrefix = "Bearer "

// SubjectKey is the request-scoped key under which the verified token
// subject is stored.
const SubjectKey = "subject"
