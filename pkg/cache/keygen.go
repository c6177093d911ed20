package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// GenerateKey builds a deterministic key from a prefix and arguments.
// Strings, numbers and booleans are used as-is; everything else is
// JSON-encoded. Parts are joined with ":".
func GenerateKey(prefix string, args ...interface{}) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, prefix)
	for _, arg := range args {
		parts = append(parts, keyPart(arg))
	}
	return strings.Join(parts, ":")
}

func keyPart(arg interface{}) string {
	switch v := arg.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}

	encoded, err := marshalKey(arg)
	if err != nil {
		return fmt.Sprintf("%v", arg)
	}
	return string(encoded)
}

func marshalKey(arg interface{}) (encoded []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("marshal panic: %v", r)
		}
	}()
	return json.Marshal(arg)
}

// KeyGenerator generates cache keys from gRPC requests
type KeyGenerator interface {
	// GenerateKey creates a cache key from the request
	GenerateKey(method string, req interface{}) (string, error)
}

// DefaultKeyGenerator keys on the method name and a hash of the request
type DefaultKeyGenerator struct{}

// NewDefaultKeyGenerator creates a new default key generator
func NewDefaultKeyGenerator() *DefaultKeyGenerator {
	return &DefaultKeyGenerator{}
}

// GenerateKey generates a cache key based on method name and request hash
func (g *DefaultKeyGenerator) GenerateKey(method string, req interface{}) (string, error) {
	reqBytes, err := marshalKey(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	hash := sha256.Sum256(reqBytes)
	return GenerateKey(method, hex.EncodeToString(hash[:])), nil
}

// KeyFunc adapts a function to the KeyGenerator interface
type KeyFunc func(method string, req interface{}) (string, error)

// GenerateKey calls f(method, req)
func (f KeyFunc) GenerateKey(method string, req interface{}) (string, error) {
	return f(method, req)
}
