package util

import (
	"errors"
	"strings"
	"unicode"
)

// RequireString garante string não vazia.
func RequireString(value, field string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New(field + " obrigatório")
	}
	return nil
}

// ValidateDeviceID aceita identificadores de 8 a 128 caracteres sem espaços.
func ValidateDeviceID(deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return errors.New("device_id obrigatório")
	}
	if len(deviceID) < 8 || len(deviceID) > 128 {
		return errors.New("device_id deve ter entre 8 e 128 caracteres")
	}
	for _, r := range deviceID {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("device_id contém caracteres inválidos")
		}
	}
	return nil
}

// ValidateIdempotencyKey verifica a chave de idempotência enviada pelo cliente.
func ValidateIdempotencyKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotencyKey obrigatória")
	}
	if len(key) > 128 {
		return errors.New("idempotencyKey muito longa")
	}
	return nil
}
