// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"

	"github.com/nishisan-dev/n-talk/internal/protocol"
)

// validateField exige valor não-vazio com no máximo max bytes.
func validateField(name, value string, max int) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) > max {
		return fmt.Errorf("%s exceeds %d bytes", name, max)
	}
	return nil
}

// validateSHA256 exige exatamente 64 caracteres hex minúsculos.
func validateSHA256(value string) error {
	if len(value) != protocol.SHA256HexLength {
		return fmt.Errorf("sha256 length invalid")
	}
	for i := 0; i < len(value); i++ {
		c := value[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return fmt.Errorf("sha256 must be lowercase hex")
	}
	return nil
}
