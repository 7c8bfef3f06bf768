package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newID gera um identificador opaco de 128 bits em hex minúsculo,
// usado para group_id e file_id.
func newID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
