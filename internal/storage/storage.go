// Package storage grava artefatos em armazenamento de objetos.
package storage

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("storage: backend não configurado")

// UploadInput representa uma operação de upload simples.
type UploadInput struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// UploadResult descreve o artefato persistido.
type UploadResult struct {
	Key  string
	ETag string
}

// Uploader define comportamento básico para armazenar blobs.
type Uploader interface {
	Upload(ctx context.Context, input UploadInput) (*UploadResult, error)
}
