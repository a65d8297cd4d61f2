package models

import (
	"database/sql/driver"
	"encoding/base64"
	"fmt"
)

// EncryptedAtRest defines a field that knows how to encrypt and decrypt
// itself with Gorm. It depends on SealField and OpenField being set for this
// package, which the KMS service does once its root key is loaded.
type EncryptedAtRest string

// SealField and OpenField are the cipher pair used to encrypt and decrypt
// EncryptedAtRest fields. They are set at startup from the deployment's
// default scope data key.
var (
	SealField func(plaintext []byte) ([]byte, error)
	OpenField func(cipherTextBlob []byte) ([]byte, error)
)

// SkipFieldEncryption is used for tests that specifically want to avoid field encryption
var SkipFieldEncryption bool

func (s EncryptedAtRest) Value() (driver.Value, error) {
	if SkipFieldEncryption {
		return string(s), nil
	}

	if SealField == nil {
		return nil, fmt.Errorf("models.SealField is not set")
	}

	b, err := SealField([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("sealing secret field: %w", err)
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

func (s *EncryptedAtRest) Scan(v interface{}) error {
	vStr, ok := v.(string)
	if !ok {
		return fmt.Errorf("unsupported type: %T", v)
	}

	if SkipFieldEncryption {
		*s = EncryptedAtRest(vStr)
		return nil
	}

	if OpenField == nil {
		return fmt.Errorf("models.OpenField is not set")
	}

	raw, err := base64.StdEncoding.DecodeString(vStr)
	if err != nil {
		return fmt.Errorf("decoding secret field: %w", err)
	}

	b, err := OpenField(raw)
	if err != nil {
		return fmt.Errorf("unsealing secret field: %w", err)
	}

	*s = EncryptedAtRest(b)

	return nil
}
