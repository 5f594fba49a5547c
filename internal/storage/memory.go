package storage

import (
	"context"
	"errors"
	"sync"
)

// MemoryUploader guarda os objetos em memória.
type MemoryUploader struct {
	mu      sync.Mutex
	objects map[string]UploadInput
}

func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string]UploadInput)}
}

func (m *MemoryUploader) Upload(_ context.Context, input UploadInput) (*UploadResult, error) {
	if input.Key == "" {
		return nil, errors.New("storage: chave do objeto obrigatória")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	body := make([]byte, len(input.Body))
	copy(body, input.Body)
	input.Body = body
	m.objects[input.Key] = input
	return &UploadResult{Key: input.Key}, nil
}

// Object devolve o objeto gravado.
func (m *MemoryUploader) Object(key string) (UploadInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys lista as chaves gravadas.
func (m *MemoryUploader) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}
