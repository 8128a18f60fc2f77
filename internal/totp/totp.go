package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Digits int           `mapstructure:"digits"`
	Period time.Duration `mapstructure:"period"`
	Skew   int           `mapstructure:"skew"`
}

func DefaultConfig() Config { return Config{Digits: 6, Period: 30 * time.Second, Skew: 1} }

var ErrEmptySecret = errors.New("empty totp secret")

// Validator checks RFC 6238 SHA1 codes within a ±Skew step window.
type Validator struct {
	cfg Config
	now func() time.Time
}

func NewValidator(cfg Config, now func() time.Time) *Validator {
	if cfg.Digits <= 0 {
		cfg.Digits = 6
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.Skew < 0 {
		cfg.Skew = 0
	}
	if now == nil {
		now = time.Now
	}
	return &Validator{cfg: cfg, now: now}
}

// Validate takes the base32 shared secret as provisioned to the authenticator app.
func (v *Validator) Validate(secretB32, code string) (bool, error) {
	secret, err := DecodeSecret(secretB32)
	if err != nil {
		return false, err
	}
	code = strings.TrimSpace(code)
	if len(code) != v.cfg.Digits || !numeric(code) {
		return false, nil
	}

	period := int64(v.cfg.Period / time.Second)
	base := v.now().Unix() / period
	for step := -v.cfg.Skew; step <= v.cfg.Skew; step++ {
		counter := base + int64(step)
		if counter < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(secret, uint64(counter), v.cfg.Digits)), []byte(code)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

func (v *Validator) CodeAt(secretB32 string, at time.Time) (string, error) {
	secret, err := DecodeSecret(secretB32)
	if err != nil {
		return "", err
	}
	return hotp(secret, uint64(at.Unix()/int64(v.cfg.Period/time.Second)), v.cfg.Digits), nil
}

func DecodeSecret(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	if s == "" {
		return nil, ErrEmptySecret
	}
	b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return b, nil
}

func hotp(secret []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	bin := (uint32(sum[off])&0x7f)<<24 |
		uint32(sum[off+1])<<16 |
		uint32(sum[off+2])<<8 |
		uint32(sum[off+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func numeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
