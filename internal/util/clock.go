package util

import "time"

// Now retorna o instante atual em UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Clock permite substituir a fonte de tempo em testes.
type Clock func() time.Time

// OrNow devolve o relógio informado ou Now.
func (c Clock) OrNow() time.Time {
	if c == nil {
		return Now()
	}
	return c().UTC()
}
