package adb

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

const (
	rsaKeyBits   = 2048
	pubKeyWords  = rsaKeyBits / 32
	authTokenLen = 20
)

// LoadPrivateKey reads a PEM-encoded RSA private key in PKCS#1 or PKCS#8
// form, the formats adb writes for ~/.android/adbkey.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key file")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not contain an RSA key")
	}
	return key, nil
}

// signToken signs the 20-byte AUTH challenge. adb signs the raw token as a
// SHA-1 digest with PKCS#1 v1.5 padding.
func signToken(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != authTokenLen {
		return nil, fmt.Errorf("auth token must be %d bytes, got %d", authTokenLen, len(token))
	}
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, token)
}

// encodePublicKey renders the public half in the Android pubkey format the
// device stores under adb_keys: a little-endian struct of word count, n0inv,
// modulus words, R^2 words, and exponent, base64 encoded with a trailing
// name tag.
func encodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub.N.BitLen() != rsaKeyBits {
		return nil, fmt.Errorf("unsupported key size %d bits", pub.N.BitLen())
	}

	wordBase := new(big.Int).Lsh(big.NewInt(1), 32)

	// n0inv = -1/n[0] mod 2^32
	n0 := new(big.Int).Mod(pub.N, wordBase)
	inv := new(big.Int).ModInverse(n0, wordBase)
	if inv == nil {
		return nil, errors.New("modulus not invertible")
	}
	n0inv := uint32(new(big.Int).Sub(wordBase, inv).Uint64())

	// rr = (2^2048)^2 mod n, used for Montgomery multiplication on device.
	rr := new(big.Int).Exp(big.NewInt(2), big.NewInt(rsaKeyBits*2), pub.N)

	raw := make([]byte, 0, 4+4+pubKeyWords*4*2+4)
	raw = binary.LittleEndian.AppendUint32(raw, pubKeyWords)
	raw = binary.LittleEndian.AppendUint32(raw, n0inv)
	raw = appendWords(raw, pub.N)
	raw = appendWords(raw, rr)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(pub.E))

	out := make([]byte, 0, base64.StdEncoding.EncodedLen(len(raw))+16)
	out = base64.StdEncoding.AppendEncode(out, raw)
	out = append(out, " aftvserver\x00"...)
	return out, nil
}

// appendWords appends the value as pubKeyWords little-endian 32-bit words,
// least significant word first.
func appendWords(dst []byte, v *big.Int) []byte {
	rest := new(big.Int).Set(v)
	mask := new(big.Int).SetUint64(0xffffffff)
	word := new(big.Int)
	for i := 0; i < pubKeyWords; i++ {
		word.And(rest, mask)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(word.Uint64()))
		rest.Rsh(rest, 32)
	}
	return dst
}
