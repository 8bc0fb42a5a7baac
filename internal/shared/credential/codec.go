// Package credential 主机登录凭据的加解密
//
// 存储格式：base64(nonce || ciphertext)，算法 XChaCha20-Poly1305，
// 密钥由 CREDENTIAL_KEY 经 SHA-256 派生。
package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNoKey 未配置加密密钥
	ErrNoKey = errors.New("credential: encryption key is empty")
	// ErrMalformed 密文格式错误或被篡改
	ErrMalformed = errors.New("credential: malformed ciphertext")
)

// Codec 凭据编解码器
type Codec interface {
	Encrypt(plain string) (string, error)
	Decrypt(encoded string) (string, error)
}

// AEADCodec 基于 XChaCha20-Poly1305 的实现
type AEADCodec struct {
	aead cipher.AEAD
}

var _ Codec = (*AEADCodec)(nil)

// New 使用口令派生密钥创建编解码器
func New(secret string) (*AEADCodec, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	key := sha256.Sum256([]byte(secret))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	return &AEADCodec{aead: aead}, nil
}

// Encrypt 加密明文；空串原样返回
func (c *AEADCodec) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密；空串原样返回
func (c *AEADCodec) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return "", ErrMalformed
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}

const (
	lowerChars   = "abcdefghijkmnpqrstuvwxyz"
	upperChars   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars   = "23456789"
	specialChars = "!@#%^*()_+-="
)

// GeneratePassword 生成云实例 root 密码
//
// 云厂商要求 8-30 位且至少包含大写、小写、数字、特殊字符中的三类，
// 这里四类各至少一个。
func GeneratePassword(length int) (string, error) {
	if length < 8 {
		length = 8
	}
	if length > 30 {
		length = 30
	}
	classes := []string{lowerChars, upperChars, digitChars, specialChars}
	all := lowerChars + upperChars + digitChars + specialChars

	out := make([]byte, length)
	for i := range out {
		set := all
		if i < len(classes) {
			set = classes[i]
		}
		ch, err := pick(set)
		if err != nil {
			return "", err
		}
		out[i] = ch
	}
	// 打乱，避免固定前缀模式
	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		k := j.Int64()
		out[i], out[k] = out[k], out[i]
	}
	return string(out), nil
}

func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("credential: random: %w", err)
	}
	return set[n.Int64()], nil
}
