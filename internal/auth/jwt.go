package auth

import (
	"strconv"
	"time"

	"jp2web/internal/errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const DefaultTokenTTL = 7 * 24 * time.Hour

type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: DefaultTokenTTL, now: time.Now}
}

// WithTTL returns a copy issuing tokens valid for ttl.
func (j *JWT) WithTTL(ttl time.Duration) *JWT {
	c := *j
	c.ttl = ttl
	return &c
}

func (j *JWT) Sign(userID uint64) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(userID, 10),
		Issuer:    "jp2web",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(j.secret)
	return s, errors.Wrap(err, "sign token")
}

func (j *JWT) Verify(tokenStr string) (uint64, error) {
	var claims jwt.RegisteredClaims
	t, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("jp2web"),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "parse token"), ErrInvalidToken)
	}
	if !t.Valid {
		return 0, ErrInvalidToken
	}

	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Mark(errors.Newf("bad subject %q", claims.Subject), ErrInvalidToken)
	}
	return id, nil
}
