package logger

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a typed key/value attached to a log entry.
type Field interface {
	AddTo(event *zerolog.Event)
	GetKeyValue() (string, any)
}

type stringField struct {
	key   string
	value string
}

func (f stringField) AddTo(e *zerolog.Event)     { e.Str(f.key, f.value) }
func (f stringField) GetKeyValue() (string, any) { return f.key, f.value }

type int64Field struct {
	key   string
	value int64
}

func (f int64Field) AddTo(e *zerolog.Event)     { e.Int64(f.key, f.value) }
func (f int64Field) GetKeyValue() (string, any) { return f.key, f.value }

type float64Field struct {
	key   string
	value float64
}

func (f float64Field) AddTo(e *zerolog.Event)     { e.Float64(f.key, f.value) }
func (f float64Field) GetKeyValue() (string, any) { return f.key, f.value }

type boolField struct {
	key   string
	value bool
}

func (f boolField) AddTo(e *zerolog.Event)     { e.Bool(f.key, f.value) }
func (f boolField) GetKeyValue() (string, any) { return f.key, f.value }

type durationField struct {
	key   string
	value time.Duration
}

func (f durationField) AddTo(e *zerolog.Event) { e.Dur(f.key, f.value) }
func (f durationField) GetKeyValue() (string, any) {
	return f.key, f.value.Milliseconds()
}

type errorField struct {
	value error
}

func (f errorField) AddTo(e *zerolog.Event) { e.Err(f.value) }
func (f errorField) GetKeyValue() (string, any) {
	if f.value == nil {
		return "error", nil
	}
	return "error", f.value.Error()
}

type anyField struct {
	key   string
	value any
}

func (f anyField) AddTo(e *zerolog.Event)     { e.Interface(f.key, f.value) }
func (f anyField) GetKeyValue() (string, any) { return f.key, f.value }

func String(key, value string) Field { return stringField{key: key, value: value} }

func Strings(key string, value []string) Field {
	return stringField{key: key, value: strings.Join(value, ", ")}
}

func Int(key string, value int) Field { return int64Field{key: key, value: int64(value)} }

func Int64(key string, value int64) Field { return int64Field{key: key, value: value} }

func Uint64(key string, value uint64) Field { return int64Field{key: key, value: int64(value)} }

func Float64(key string, value float64) Field { return float64Field{key: key, value: value} }

func Bool(key string, value bool) Field { return boolField{key: key, value: value} }

func Duration(key string, value time.Duration) Field {
	return durationField{key: key, value: value}
}

func Time(key string, value time.Time) Field {
	return stringField{key: key, value: value.UTC().Format(time.RFC3339Nano)}
}

func Error(err error) Field { return errorField{value: err} }

func Any(key string, value any) Field { return anyField{key: key, value: value} }
