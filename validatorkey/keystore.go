// Package validatorkey manages the encrypted on-disk keystore holding a
// validator's ed25519 signing key (spec §9's note that block signing
// takes an explicit key pair rather than a module-level global).
package validatorkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/tolelom/upbft-dag/crypto"
	"golang.org/x/crypto/pbkdf2"
)

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// ErrWrongPassword is returned by Load when decryption fails.
var ErrWrongPassword = errors.New("validatorkey: wrong password or corrupted keystore")

// Generate creates a fresh ed25519 key pair and saves it encrypted at
// path under password.
func Generate(path, password string) (crypto.PrivateKey, crypto.PublicKey, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if err := Save(path, password, priv); err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Save encrypts priv with password and writes it to path.
func Save(path, password string, priv crypto.PrivateKey) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, priv, nil)

	ks := keystoreFile{
		PubKey:     priv.Public().Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts the keystore at path using password, returning the
// validator's signing key and its public key.
func Load(path, password string) (crypto.PrivateKey, crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, nil, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, nil, err
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, nil, err
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, nil, ErrWrongPassword
	}
	priv := crypto.PrivateKey(privBytes)
	pub, err := crypto.PubKeyFromHex(ks.PubKey)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, 210_000, 32, sha256.New)
}
