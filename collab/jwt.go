package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// caller identity carried in the `token` handshake parameter
// the token is parsed unverified. Identity is supplied by the caller and is not authenticated here.
type IdentityJwt struct {
	UserId   string
	Username string
	Avatar   string
}

func ParseIdentityJwtUnverified(jwt string) (*IdentityJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identityJwt := &IdentityJwt{}

	if userId, ok := claims["user_id"].(string); ok {
		identityJwt.UserId = userId
	}
	if username, ok := claims["username"].(string); ok {
		identityJwt.Username = username
	}
	if avatar, ok := claims["avatar"].(string); ok {
		identityJwt.Avatar = avatar
	}

	if identityJwt.UserId == "" {
		return nil, fmt.Errorf("identity jwt missing user_id")
	}

	return identityJwt, nil
}

func (self *IdentityJwt) Sign(key []byte) (string, error) {
	claims := gojwt.MapClaims{
		"user_id":  self.UserId,
		"username": self.Username,
	}
	if self.Avatar != "" {
		claims["avatar"] = self.Avatar
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}
