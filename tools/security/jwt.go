package security

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"joingate/tools/errs"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
	Issuer string
}

// AdminClaims identify the chat admin an API call acts for.
type AdminClaims struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
	jwtlib.RegisteredClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour, Issuer: "joingate"}
}

// Generate signs a token for userID acting in chatID.
func Generate(opts Options, chatID, userID int64, now time.Time) (token string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if len(opts.Secret) == 0 {
		return "", time.Time{}, errs.ErrConfig.WrapMsg("jwt secret missing")
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	exp := now.Add(opts.TTL)
	claims := AdminClaims{
		ChatID: chatID,
		UserID: userID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errs.WrapMsg(err, "sign token")
	}
	return signed, exp, nil
}

// Verify accepts only the configured HMAC algorithm.
func Verify(opts Options, token string) (*AdminClaims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	var claims AdminClaims
	parsed, err := jwtlib.ParseWithClaims(token, &claims, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}), jwtlib.WithExpirationRequired())
	if err != nil {
		return nil, errs.ErrNoPermission.WrapMsg(err.Error())
	}
	if !parsed.Valid {
		return nil, errs.ErrNoPermission.WrapMsg("invalid token")
	}
	if opts.Issuer != "" && claims.Issuer != opts.Issuer {
		return nil, errs.ErrNoPermission.WrapMsg("unexpected issuer", "iss", claims.Issuer)
	}
	if claims.ChatID == 0 || claims.UserID == 0 {
		return nil, errs.ErrNoPermission.WrapMsg("token lacks chat_id or user_id")
	}
	return &claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errs.ErrConfig.WrapMsg("unsupported alg, use HS256/HS384/HS512", "alg", alg)
	}
}
