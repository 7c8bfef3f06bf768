// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Talk License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package service

// SanitizeFileName normaliza um nome de arquivo vindo do client para uso
// em paths de storage: todo byte fora de [A-Za-z0-9._-] vira '_'.
// Resultado vazio vira o literal "file". Isso elimina separadores de
// path e bytes de controle antes de compor o storage_path.
func SanitizeFileName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '.' || c == '_' || c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "file"
	}
	return string(out)
}
