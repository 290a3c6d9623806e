package client

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type SessionJwt struct {
	UserId  Id
	Subject string
}

// ParseSessionJwtUnverified extracts identity fields without verifying the
// signature. The client never trusts these fields for authorization; they are
// used to notice session changes (e.g. to invalidate the csrf cache).
func ParseSessionJwtUnverified(jwt string) (*SessionJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionJwt := &SessionJwt{}

	if subject, ok := claims["sub"]; ok {
		if subjectStr, ok := subject.(string); ok {
			sessionJwt.Subject = subjectStr
		}
	}
	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			sessionJwt.UserId = userId
		}
	}
	if sessionJwt.Subject == "" {
		sessionJwt.Subject = sessionJwt.UserId.String()
	}

	return sessionJwt, nil
}
